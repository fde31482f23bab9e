package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/sigil/internal/apperr"
	"github.com/starford/sigil/internal/storage"
)

const (
	primary    = "https://app.example.com"
	extOrigin  = "chrome-extension://abcdefghijklmnop"
	cookieName = "sigil_session"
	validKey   = "sgl_0123456789abcdefABCDEF"
)

type call struct {
	kind      string
	auth      Auth
	projectID string
}

type fakeUpstream struct {
	mu    sync.Mutex
	calls []call
	block chan struct{}
}

func (f *fakeUpstream) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeUpstream) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeUpstream) Ingest(ctx context.Context, auth Auth, p IngestPayload) (json.RawMessage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.record(call{kind: KindCapture, auth: auth, projectID: p.ProjectID})
	return json.RawMessage(`{"id":"c1"}`), nil
}

func (f *fakeUpstream) Status(_ context.Context, auth Auth, projectID string) (json.RawMessage, error) {
	f.record(call{kind: KindSessionStatus, auth: auth, projectID: projectID})
	return json.RawMessage(`{"unlocked":true}`), nil
}

type fixture struct {
	broker *Broker
	store  *storage.FS
	jar    http.CookieJar
	up     *fakeUpstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewFS(filepath.Join(t.TempDir(), "bridge"))
	if err != nil {
		t.Fatal(err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	cookies, err := NewJarCookies(jar, primary, cookieName)
	if err != nil {
		t.Fatal(err)
	}
	up := &fakeUpstream{}
	b, err := NewBroker(store, cookies, up, []string{extOrigin}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{broker: b, store: store, jar: jar, up: up}
}

func (f *fixture) setCookie(t *testing.T, name, value string) {
	t.Helper()
	u, _ := http.NewRequest(http.MethodGet, primary, nil)
	f.jar.SetCookies(u.URL, []*http.Cookie{{Name: name, Value: value}})
}

func (f *fixture) set(t *testing.T, key, project string) {
	t.Helper()
	ack := f.broker.HandleExternal(context.Background(), Sender{Origin: extOrigin},
		ExternalMessage{Type: TypeSetCredential, Key: key, ProjectID: project})
	if !ack.OK {
		t.Fatalf("SET_CREDENTIAL: %+v", ack)
	}
}

func TestCapture_NoCredentialIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	resp, err := f.broker.Port().Call(context.Background(), Message{Kind: KindCapture, ProjectID: "p1", Payload: "hello"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.OK || resp.Code != CodeUnauthenticated {
		t.Fatalf("response = %+v, want unauthenticated", resp)
	}
	if n := len(f.up.Calls()); n != 0 {
		t.Errorf("upstream called %d times without a credential", n)
	}
}

func TestResolve_CookieNameMustMatchExactly(t *testing.T) {
	f := newFixture(t)
	f.setCookie(t, "sigil_session_old", "x")
	f.setCookie(t, "session", "y")
	f.setCookie(t, "sid", strings.Repeat("ab", 32))

	if _, err := f.broker.Resolve(); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("near-miss cookies resolved: %v", err)
	}

	f.setCookie(t, cookieName, "tok")
	auth, err := f.broker.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if auth.Kind() != "session" || auth.Cookie.Value != "tok" {
		t.Errorf("auth = %+v", auth)
	}
}

func TestResolve_CookieScopedToPrimaryOrigin(t *testing.T) {
	f := newFixture(t)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.net", nil)
	f.jar.SetCookies(other.URL, []*http.Cookie{{Name: cookieName, Value: "stolen"}})
	if _, err := f.broker.Resolve(); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("cookie from another origin resolved: %v", err)
	}
}

func TestResolve_APIKeyWinsOverCookie(t *testing.T) {
	f := newFixture(t)
	f.setCookie(t, cookieName, "tok")
	f.set(t, validKey, "p1")

	resp, err := f.broker.Port().Call(context.Background(), Message{Kind: KindCapture, Payload: "hi", Source: "https://news.example"})
	if err != nil || !resp.OK {
		t.Fatalf("Call = %+v, %v", resp, err)
	}
	calls := f.up.Calls()
	if len(calls) != 1 || calls[0].auth.APIKey != validKey || calls[0].auth.Cookie != nil {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].projectID != "p1" {
		t.Errorf("project = %q, want active project p1", calls[0].projectID)
	}
}

func TestHandleExternal_RejectsOriginAndShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	good := ExternalMessage{Type: TypeSetCredential, Key: validKey, ProjectID: "p1"}

	cases := map[string]struct {
		origin string
		msg    ExternalMessage
	}{
		"no origin":          {"", good},
		"other origin":       {"https://app.example.com.evil", good},
		"origin prefix":      {extOrigin + "x", good},
		"unknown type":       {extOrigin, ExternalMessage{Type: "SET_KEY", Key: validKey}},
		"set without key":    {extOrigin, ExternalMessage{Type: TypeSetCredential}},
		"short key":          {extOrigin, ExternalMessage{Type: TypeSetCredential, Key: "abc"}},
		"key with spaces":    {extOrigin, ExternalMessage{Type: TypeSetCredential, Key: "sgl_ 0123456789abcdef"}},
		"clear carrying key": {extOrigin, ExternalMessage{Type: TypeClearCredential, Key: validKey}},
		"bad project":        {extOrigin, ExternalMessage{Type: TypeSetCredential, Key: validKey, ProjectID: "../x"}},
	}
	for name, tc := range cases {
		if ack := f.broker.HandleExternal(ctx, Sender{Origin: tc.origin}, tc.msg); ack.OK || ack.Error == "" {
			t.Errorf("%s: ack = %+v", name, ack)
		}
	}
	if _, err := f.store.Read(StateFile); err == nil {
		t.Error("state persisted from a rejected message")
	}
	if _, err := f.broker.Resolve(); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Error("credential set from a rejected message")
	}
}

func TestHandleExternal_SetIsIdempotentAndPersisted(t *testing.T) {
	f := newFixture(t)
	f.set(t, validKey, "p1")
	f.set(t, validKey, "p1")

	data, err := f.store.Read(StateFile)
	if err != nil {
		t.Fatal(err)
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatal(err)
	}
	if c.APIKey != validKey || c.ActiveProject != "p1" {
		t.Errorf("persisted = %+v", c)
	}

	restarted, err := NewBroker(f.store, nil, f.up, []string{extOrigin}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if auth, err := restarted.Resolve(); err != nil || auth.APIKey != validKey {
		t.Errorf("after restart: %+v, %v", auth, err)
	}
}

func TestHandleExternal_ClearRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.set(t, validKey, "p1")

	for i := 0; i < 2; i++ {
		ack := f.broker.HandleExternal(context.Background(), Sender{Origin: extOrigin}, ExternalMessage{Type: TypeClearCredential})
		if !ack.OK {
			t.Fatalf("clear #%d: %+v", i, ack)
		}
	}

	data, err := f.store.Read(StateFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{}" {
		t.Errorf("state after clear = %s", data)
	}
	if _, err := f.broker.Resolve(); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("resolve after clear: %v", err)
	}
	resp, _ := f.broker.Port().Call(context.Background(), Message{Kind: KindActiveProject})
	if !resp.OK || string(resp.Data) != `{"project_id":""}` {
		t.Errorf("active project after clear = %s", resp.Data)
	}
}

func TestPort_InvalidMessage(t *testing.T) {
	f := newFixture(t)
	f.set(t, validKey, "p1")
	for name, msg := range map[string]Message{
		"unknown kind":        {Kind: "STEAL_KEY"},
		"capture no payload":  {Kind: KindCapture, ProjectID: "p1"},
		"status with payload": {Kind: KindSessionStatus, Payload: "x"},
	} {
		resp, err := f.broker.Port().Call(context.Background(), msg)
		if err != nil || resp.OK || resp.Code != CodeInvalidInput {
			t.Errorf("%s: %+v, %v", name, resp, err)
		}
	}
}

func TestPort_CallHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	f.up.block = make(chan struct{})
	defer close(f.up.block)
	f.set(t, validKey, "p1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.broker.Port().Call(ctx, Message{Kind: KindCapture, Payload: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestPort_ClosedBroker(t *testing.T) {
	f := newFixture(t)
	f.broker.Close()
	if _, err := f.broker.Port().Call(context.Background(), Message{Kind: KindActiveProject}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestReload_CorruptStateFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.set(t, validKey, "p1")
	if err := f.store.Write(StateFile, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	f.broker.Reload()
	if _, err := f.broker.Resolve(); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("corrupt state still resolves: %v", err)
	}
}

func TestNewBroker_DiscardsCorruptState(t *testing.T) {
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(StateFile, []byte("\x00garbage")); err != nil {
		t.Fatal(err)
	}
	b, err := NewBroker(store, nil, &fakeUpstream{}, []string{extOrigin}, nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	if _, err := b.Resolve(); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("resolve = %v, want unauthenticated", err)
	}
	if _, err := store.Read(StateFile); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("corrupt state file kept: %v", err)
	}
}

func TestWatch_OutOfBandDelete(t *testing.T) {
	f := newFixture(t)
	f.set(t, validKey, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.broker.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(filepath.Join(f.store.Root(), StateFile)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.broker.Resolve(); errors.Is(err, apperr.ErrUnauthenticated) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("credential still resolvable after state file removed")
}

func TestHTTPUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Header.Get("Authorization") == "Bearer "+validKey:
		case func() bool { c, err := r.Cookie(cookieName); return err == nil && c.Value == "tok" }():
		default:
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/api/projects/locked/status" {
			w.WriteHeader(http.StatusLocked)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	up, err := NewHTTPUpstream(srv.URL, 0, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := up.Ingest(ctx, Auth{APIKey: validKey}, IngestPayload{ProjectID: "p", Payload: "x"}); err != nil {
		t.Errorf("api key ingest: %v", err)
	}
	if _, err := up.Status(ctx, Auth{Cookie: &http.Cookie{Name: cookieName, Value: "tok"}}, "p"); err != nil {
		t.Errorf("cookie status: %v", err)
	}
	if _, err := up.Status(ctx, Auth{APIKey: "wrong-key-wrong-key"}, "p"); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Errorf("bad key err = %v", err)
	}
	if _, err := up.Status(ctx, Auth{APIKey: validKey}, "locked"); !errors.Is(err, apperr.ErrSessionLocked) {
		t.Errorf("locked err = %v", err)
	}

	srv.Close()
	if _, err := up.Status(ctx, Auth{APIKey: validKey}, "p"); !errors.Is(err, apperr.ErrNetworkUnavailable) {
		t.Errorf("closed server err = %v", err)
	}
}

func TestHandler_External(t *testing.T) {
	f := newFixture(t)
	h := f.broker.Handler()

	post := func(origin, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/external", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := post("https://evil.example", `{"type":"SET_CREDENTIAL","key":"`+validKey+`"}`); w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d", w.Code)
	}
	if w := post(extOrigin, `{"type":"SET_CREDENTIAL","key":"`+validKey+`","extra":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", w.Code)
	}
	w := post(extOrigin, `{"type":"SET_CREDENTIAL","key":"`+validKey+`","project_id":"p1"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok":true`) {
		t.Fatalf("set = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != extOrigin {
		t.Errorf("CORS allow origin = %q", got)
	}
}

func TestHandler_Delegate(t *testing.T) {
	f := newFixture(t)
	h := f.broker.Handler()

	req := httptest.NewRequest(http.MethodPost, "/delegate", strings.NewReader(`{"kind":"CAPTURE","project_id":"p1","payload":"x"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no credential status = %d body %s", w.Code, w.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/delegate", strings.NewReader(`{"kind":"ACTIVE_PROJECT"}`))
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin delegate status = %d", w.Code)
	}
}
