package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

const maxBody = 2 << 20

// Handler returns the bridge's local HTTP surface:
//
//	POST /external  credential push from the primary client (CORS restricted)
//	POST /delegate  page script requests, answered through a Port
func (b *Broker) Handler() http.Handler {
	allowed := make([]string, 0, len(b.origins))
	for o := range b.origins {
		allowed = append(allowed, o)
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)
	r.Post("/external", b.serveExternal)
	r.Post("/delegate", b.serveDelegate)
	return r
}

func (b *Broker) serveExternal(w http.ResponseWriter, r *http.Request) {
	var msg ExternalMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, Ack{Error: "invalid message"})
		return
	}
	ack := b.HandleExternal(r.Context(), Sender{Origin: r.Header.Get("Origin")}, msg)
	status := http.StatusOK
	switch {
	case ack.OK:
	case ack.Error == "origin not allowed":
		status = http.StatusForbidden
	case ack.Error == "storage failure":
		status = http.StatusInternalServerError
	default:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ack)
}

// serveDelegate accepts requests from non-browser callers and from allowed
// origins only.
func (b *Broker) serveDelegate(w http.ResponseWriter, r *http.Request) {
	if o := r.Header.Get("Origin"); o != "" {
		if _, ok := b.origins[o]; !ok {
			writeJSON(w, http.StatusForbidden, Response{Code: CodeUnauthenticated, Error: "origin not allowed"})
			return
		}
	}
	var msg Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Code: CodeInvalidInput, Error: "invalid message"})
		return
	}
	resp, err := b.Port().Call(r.Context(), msg)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Response{Code: CodeNetworkUnavailable, Error: err.Error()})
		return
	}
	writeJSON(w, statusFor(resp), resp)
}

func statusFor(resp Response) int {
	if resp.OK {
		return http.StatusOK
	}
	switch resp.Code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeNetworkUnavailable:
		return http.StatusServiceUnavailable
	case CodeSessionLocked:
		return http.StatusLocked
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
