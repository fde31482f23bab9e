// Package storage keeps small private state files, such as the credential
// bridge's persisted credential, under one owner-only directory.
package storage

// Provider is the interface for private state file operations.
type Provider interface {
	// Root returns the absolute state directory.
	Root() string
	// Read returns the raw bytes of the file at name.
	Read(name string) ([]byte, error)
	// Write atomically replaces the file at name.
	Write(name string, content []byte) error
	// Delete removes the file at name. A missing file is not an error.
	Delete(name string) error
}
