package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/content"
	"github.com/starford/sigil/internal/keys"
)

var testParams = keys.Params{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1}

const goodPass = "correct horse battery staple and then some"

type fakeSource struct {
	mat     *keys.Material
	err     error
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeSource) KeyMaterial(ctx context.Context, _ string) (*keys.Material, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.mat, nil
}

type fakeChecker struct {
	mu  sync.Mutex
	st  Status
	err error
}

func (f *fakeChecker) set(st Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st, f.err = st, err
}

func (f *fakeChecker) Check(_ context.Context, key Key) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.st
	if st.Unlocked && st.SessionID == "" {
		st.SessionID = key.SessionID
	}
	return st, f.err
}

// newProject builds key material for goodPass and returns it with the raw DEK.
func newProject(t *testing.T) (*keys.Material, []byte) {
	t.Helper()
	salt, err := keys.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	kek := keys.NewDeriver(testParams).Derive([]byte(goodPass), salt)
	dek, wrapped, nonce, err := keys.CreateProjectKey(kek)
	if err != nil {
		t.Fatal(err)
	}
	return &keys.Material{Salt: salt, Wrapped: wrapped, Nonce: nonce}, dek
}

func newManager(t *testing.T, src KeySource, chk StatusChecker, opts ...Option) *Manager {
	t.Helper()
	return NewManager(keys.NewDeriver(testParams), src, chk, opts...)
}

var pair = Key{ProjectID: "p1", SessionID: "s1"}

func TestSubmit_CorrectPassphraseUnlocks(t *testing.T) {
	mat, dek := newProject(t)
	mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{})

	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := mgr.State(pair); got != Unlocked {
		t.Fatalf("state = %v, want unlocked", got)
	}
	if !mgr.IsUnlocked(pair) {
		t.Error("IsUnlocked = false")
	}

	ct, nonce, err := content.Encrypt([]byte("note"), dek)
	if err != nil {
		t.Fatal(err)
	}
	var got []byte
	err = mgr.WithKey(pair, func(k []byte) error {
		got, err = content.Decrypt(ct, nonce, k)
		return err
	})
	if err != nil || string(got) != "note" {
		t.Fatalf("WithKey decrypt = %q, %v", got, err)
	}
}

func TestSubmit_WrongPassphraseStaysLocked(t *testing.T) {
	mat, _ := newProject(t)
	mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{})

	err := mgr.Submit(context.Background(), pair, []byte("this is not the passphrase you want"))
	if !errors.Is(err, apperr.ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if got := mgr.State(pair); got != Locked {
		t.Errorf("state = %v, want locked", got)
	}
	if err := mgr.WithKey(pair, func([]byte) error { return nil }); !errors.Is(err, apperr.ErrSessionLocked) {
		t.Errorf("WithKey err = %v, want ErrSessionLocked", err)
	}

	// A later correct attempt still works.
	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSubmit_CorruptedRecordMovesToError(t *testing.T) {
	mat, _ := newProject(t)
	src := &fakeSource{mat: &keys.Material{Salt: mat.Salt, Wrapped: mat.Wrapped}}
	mgr := newManager(t, src, &fakeChecker{})

	err := mgr.Submit(context.Background(), pair, []byte(goodPass))
	if !errors.Is(err, apperr.ErrCorruptedRecord) {
		t.Fatalf("err = %v, want ErrCorruptedRecord", err)
	}
	if got := mgr.State(pair); got != Error {
		t.Fatalf("state = %v, want error", got)
	}
	if err := mgr.WithKey(pair, func([]byte) error { return nil }); !errors.Is(err, apperr.ErrSessionLocked) {
		t.Errorf("WithKey in error state: %v", err)
	}

	src.mat = mat
	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
		t.Fatalf("resubmit from error: %v", err)
	}
}

func TestSubmit_UnencryptedProject(t *testing.T) {
	mgr := newManager(t, &fakeSource{mat: &keys.Material{Salt: []byte("0123456789abcdef")}}, &fakeChecker{})
	err := mgr.Submit(context.Background(), pair, []byte(goodPass))
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if got := mgr.State(pair); got != Locked {
		t.Errorf("state = %v", got)
	}
}

func TestSubmit_ConcurrentAndLockDuringUnlock(t *testing.T) {
	mat, _ := newProject(t)
	src := &fakeSource{mat: mat, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	mgr := newManager(t, src, &fakeChecker{})

	done := make(chan error, 1)
	go func() { done <- mgr.Submit(context.Background(), pair, []byte(goodPass)) }()
	<-src.entered

	if got := mgr.State(pair); got != Unlocking {
		t.Fatalf("state = %v, want unlocking", got)
	}
	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second submit err = %v, want ErrConflict", err)
	}

	mgr.Lock(pair)
	close(src.gate)

	if err := <-done; !errors.Is(err, apperr.ErrSessionLocked) {
		t.Errorf("superseded submit err = %v, want ErrSessionLocked", err)
	}
	if mgr.IsUnlocked(pair) {
		t.Error("key cached after lock during unlock")
	}
}

func TestSubmit_RacingLockNeverReportsPhantomUnlock(t *testing.T) {
	mat, _ := newProject(t)
	for i := 0; i < 50; i++ {
		var mu sync.Mutex
		locked := false
		obs := func(_ Key, s State, reason string) {
			if s == Locked && reason == ReasonLock {
				mu.Lock()
				locked = true
				mu.Unlock()
			}
		}
		mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{}, WithObserver(obs))
		// A failed attempt leaves a registered Locked machine for Lock to detach.
		_ = mgr.Submit(context.Background(), pair, []byte("wrong passphrase, long enough"))

		start := make(chan struct{})
		var wg sync.WaitGroup
		var submitErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			submitErr = mgr.Submit(context.Background(), pair, []byte(goodPass))
		}()
		go func() {
			defer wg.Done()
			<-start
			mgr.Lock(pair)
		}()
		close(start)
		wg.Wait()

		mu.Lock()
		sawLock := locked
		mu.Unlock()
		if submitErr == nil && !sawLock {
			if got := mgr.State(pair); got != Unlocked {
				t.Fatalf("iteration %d: Submit succeeded but state = %v", i, got)
			}
			if err := mgr.WithKey(pair, func([]byte) error { return nil }); err != nil {
				t.Fatalf("iteration %d: Submit succeeded but WithKey = %v", i, err)
			}
		}
		mgr.Teardown()
	}
}

func TestSubmit_CancelledContext(t *testing.T) {
	mat, _ := newProject(t)
	mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := mgr.Submit(ctx, pair, []byte(goodPass)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := mgr.State(pair); got != Locked {
		t.Errorf("state = %v", got)
	}
}

func TestRevalidate(t *testing.T) {
	cases := map[string]struct {
		st     Status
		err    error
		remain bool
	}{
		"confirmed":      {st: Status{Unlocked: true}, remain: true},
		"revoked":        {st: Status{Unlocked: false}},
		"wrong session":  {st: Status{Unlocked: true, SessionID: "other"}},
		"network error":  {err: apperr.ErrNetworkUnavailable},
		"arbitrary fail": {err: errors.New("boom")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mat, _ := newProject(t)
			chk := &fakeChecker{}
			mgr := newManager(t, &fakeSource{mat: mat}, chk)
			if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
				t.Fatal(err)
			}
			chk.set(tc.st, tc.err)
			mgr.Revalidate(context.Background())

			if got := mgr.IsUnlocked(pair); got != tc.remain {
				t.Errorf("IsUnlocked = %v, want %v", got, tc.remain)
			}
		})
	}
}

func TestWithKey_InFlightOperationSurvivesRevocation(t *testing.T) {
	mat, dek := newProject(t)
	chk := &fakeChecker{}
	mgr := newManager(t, &fakeSource{mat: mat}, chk)
	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
		t.Fatal(err)
	}
	ct, nonce, err := content.Encrypt([]byte("mid-flight"), dek)
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- mgr.WithKey(pair, func(k []byte) error {
			close(started)
			<-release
			pt, err := content.Decrypt(ct, nonce, k)
			if err == nil && string(pt) != "mid-flight" {
				err = errors.New("wrong plaintext")
			}
			return err
		})
	}()

	<-started
	chk.set(Status{Unlocked: false}, nil)
	mgr.Revalidate(context.Background())
	close(release)

	if err := <-result; err != nil {
		t.Fatalf("in-flight decrypt: %v", err)
	}
	if err := mgr.WithKey(pair, func([]byte) error { return nil }); !errors.Is(err, apperr.ErrSessionLocked) {
		t.Errorf("after revocation err = %v, want ErrSessionLocked", err)
	}
}

func TestWithKey_StaleVerificationPurges(t *testing.T) {
	mat, _ := newProject(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{}, WithClock(clock), WithMaxStaleness(time.Minute))
	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if mgr.IsUnlocked(pair) {
		t.Error("IsUnlocked true past staleness bound")
	}
	if err := mgr.WithKey(pair, func([]byte) error { return nil }); !errors.Is(err, apperr.ErrSessionLocked) {
		t.Fatalf("err = %v, want ErrSessionLocked", err)
	}
	if got := mgr.State(pair); got != Locked {
		t.Errorf("state = %v", got)
	}
}

func TestSignOutAndTeardown(t *testing.T) {
	mat, _ := newProject(t)
	mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{})
	a := Key{ProjectID: "p1", SessionID: "s1"}
	b := Key{ProjectID: "p2", SessionID: "s1"}
	c := Key{ProjectID: "p1", SessionID: "s2"}
	for _, k := range []Key{a, b, c} {
		if err := mgr.Submit(context.Background(), k, []byte(goodPass)); err != nil {
			t.Fatal(err)
		}
	}

	mgr.SignOut("s1")
	if mgr.IsUnlocked(a) || mgr.IsUnlocked(b) {
		t.Error("s1 pairs still unlocked after sign-out")
	}
	if !mgr.IsUnlocked(c) {
		t.Error("s2 pair purged by s1 sign-out")
	}

	mgr.Teardown()
	if mgr.IsUnlocked(c) {
		t.Error("pair unlocked after teardown")
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	mat, _ := newProject(t)
	var mu sync.Mutex
	var got []State
	obs := func(_ Key, s State, _ string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	}
	mgr := newManager(t, &fakeSource{mat: mat}, &fakeChecker{}, WithObserver(obs))

	if err := mgr.Submit(context.Background(), pair, []byte(goodPass)); err != nil {
		t.Fatal(err)
	}
	mgr.Lock(pair)

	want := []State{Unlocking, Unlocked, Locked}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("project_id") {
		case "ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"unlocked":true,"session_id":"` + r.URL.Query().Get("session_id") + `"}`))
		case "garbage":
			_, _ = w.Write([]byte(`not json`))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))

	chk := NewHTTPChecker(srv.URL+"/status", 0, nil)
	ctx := context.Background()

	st, err := chk.Check(ctx, Key{ProjectID: "ok", SessionID: "s9"})
	if err != nil || !st.Unlocked || st.SessionID != "s9" {
		t.Errorf("ok: %+v, %v", st, err)
	}
	st, err = chk.Check(ctx, Key{ProjectID: "denied", SessionID: "s9"})
	if err != nil || st.Unlocked {
		t.Errorf("denied: %+v, %v", st, err)
	}
	st, err = chk.Check(ctx, Key{ProjectID: "garbage", SessionID: "s9"})
	if err != nil || st.Unlocked {
		t.Errorf("garbage: %+v, %v", st, err)
	}

	srv.Close()
	if _, err := chk.Check(ctx, Key{ProjectID: "ok", SessionID: "s9"}); !errors.Is(err, apperr.ErrNetworkUnavailable) {
		t.Errorf("closed server err = %v, want ErrNetworkUnavailable", err)
	}
}
