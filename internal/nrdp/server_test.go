package nrdp

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/icinga-go/gogiod/internal/registry"
	"github.com/rs/zerolog"

	"golang.org/x/crypto/bcrypt"
)

// fakeDispatcher records every PROCESS_CHECK_RESULT call instead of
// routing it through a real extcmd.Bus, so the handler can be tested
// without standing up the full Checkable state machine.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeDispatcher) Dispatch(name string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	return f.err
}

func (f *fakeDispatcher) drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	args := f.calls[0]
	f.calls = f.calls[1:]
	return args
}

func (f *fakeDispatcher) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testServer(t *testing.T, tokenHash string, dynamic bool) (*Server, *fakeDispatcher) {
	t.Helper()
	reg := registry.New("host", "service")
	bus := &fakeDispatcher{}
	cfg := Config{
		Listen:         ":0",
		Path:           "/nrdp/",
		TokenHash:      tokenHash,
		DynamicEnabled: dynamic,
		DynamicTTL:     10 * time.Minute,
		DynamicPrune:   time.Minute,
	}
	s := New(cfg, bus, reg, zerolog.Nop())
	return s, bus
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), 4)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := testServer(t, "", false)
	req := httptest.NewRequest(http.MethodGet, "/nrdp/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)
	if w.Code != 405 {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestAuthLocalhostBypass(t *testing.T) {
	s, _ := testServer(t, "", false)
	body := strings.NewReader(`{"checkresults":[{"type":"service","hostname":"h","servicename":"s","status":0,"output":"ok"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", body)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuthValidToken(t *testing.T) {
	hash := hashToken(t, "testtoken")
	s, _ := testServer(t, hash, false)
	formData := url.Values{
		"XMLDATA": {`<checkresults><checkresult type="service" checktype="1"><hostname>h</hostname><servicename>s</servicename><state>0</state><output>ok</output></checkresult></checkresults>`},
		"token":   {"testtoken"},
		"cmd":     {"submitcheck"},
	}
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuthInvalidToken(t *testing.T) {
	hash := hashToken(t, "testtoken")
	s, _ := testServer(t, hash, false)
	formData := url.Values{
		"XMLDATA": {`<checkresults><checkresult type="service" checktype="1"><hostname>h</hostname><servicename>s</servicename><state>0</state><output>ok</output></checkresult></checkresults>`},
		"token":   {"wrongtoken"},
	}
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthMissingToken(t *testing.T) {
	hash := hashToken(t, "testtoken")
	s, _ := testServer(t, hash, false)
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(`{"checkresults":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthEmptyHash(t *testing.T) {
	s, _ := testServer(t, "", false)
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(`{"checkresults":[]}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestXMLFormPost(t *testing.T) {
	hash := hashToken(t, "test")
	s, bus := testServer(t, hash, false)

	xmlData := `<checkresults><checkresult type="service" checktype="1"><hostname>web01</hostname><servicename>HTTP</servicename><state>0</state><output>OK</output></checkresult></checkresults>`
	formData := url.Values{
		"XMLDATA": {xmlData},
		"token":   {"test"},
		"cmd":     {"submitcheck"},
	}
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(formData.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}

	args := bus.drain()
	if args == nil {
		t.Fatal("no result dispatched")
	}
	if args[0] != "web01" {
		t.Errorf("hostname = %q, want web01", args[0])
	}
	if args[1] != "HTTP" {
		t.Errorf("service = %q, want HTTP", args[1])
	}
	if args[2] != "0" {
		t.Errorf("state = %q, want 0", args[2])
	}
}

func TestJSONPost(t *testing.T) {
	s, bus := testServer(t, "", false)

	jsonBody := `{"checkresults":[{"type":"service","hostname":"app01","servicename":"CPU","status":1,"output":"WARNING - 90%"}]}`
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	args := bus.drain()
	if args == nil {
		t.Fatal("no result")
	}
	if args[0] != "app01" || args[1] != "CPU" || args[2] != "1" {
		t.Errorf("args = %+v", args)
	}
}

func TestBatchResults(t *testing.T) {
	s, bus := testServer(t, "", false)

	jsonBody := `{"checkresults":[
		{"type":"service","hostname":"h1","servicename":"s1","status":0,"output":"ok"},
		{"type":"service","hostname":"h2","servicename":"s2","status":1,"output":"warn"},
		{"type":"service","hostname":"h3","servicename":"s3","status":2,"output":"crit"}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	bodyBytes, _ := io.ReadAll(w.Result().Body)
	var resp ResponseJSON
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !strings.Contains(resp.Message, "3 Results") {
		t.Errorf("message = %q, want 'Processing 3 Results'", resp.Message)
	}

	if n := bus.len(); n != 3 {
		t.Errorf("dispatched %d results, want 3", n)
	}
}

func TestStatusClamping(t *testing.T) {
	s, bus := testServer(t, "", false)

	jsonBody := `{"checkresults":[{"type":"service","hostname":"h","servicename":"s","status":5,"output":"bad"}]}`
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	args := bus.drain()
	if args == nil {
		t.Fatal("no result")
	}
	if args[2] != "3" {
		t.Errorf("state = %q, want 3 (clamped from 5)", args[2])
	}
}

func TestDynamicRegistration(t *testing.T) {
	s, bus := testServer(t, "", true)

	jsonBody := `{"checkresults":[{"type":"service","hostname":"dynamic-host","servicename":"dynamic-svc","status":0,"output":"ok"}]}`
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	host := getHost(s.tracker.registry, "dynamic-host")
	if host == nil {
		t.Fatal("dynamic host was not registered")
	}
	if !host.Dynamic {
		t.Error("host.Dynamic = false, want true")
	}
	svc := getService(s.tracker.registry, "dynamic-host", "dynamic-svc")
	if svc == nil {
		t.Fatal("dynamic service was not registered")
	}

	args := bus.drain()
	if args == nil || args[0] != "dynamic-host" || args[1] != "dynamic-svc" {
		t.Errorf("args = %+v", args)
	}
}

func TestDynamicRegistrationDisabled(t *testing.T) {
	s, bus := testServer(t, "", false)

	jsonBody := `{"checkresults":[{"type":"service","hostname":"h","servicename":"s","status":0,"output":"ok"}]}`
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	if s.tracker != nil {
		t.Error("tracker should be nil when dynamic registration is disabled")
	}
	if bus.len() != 1 {
		t.Errorf("dispatched %d results, want 1", bus.len())
	}
}

// BenchmarkHandleNRDP measures raw handler throughput with dynamic
// registration enabled.
func BenchmarkHandleNRDP(b *testing.B) {
	reg := registry.New("host", "service")
	cfg := Config{
		Listen:         ":0",
		Path:           "/nrdp/",
		DynamicEnabled: true,
		DynamicTTL:     10 * time.Minute,
		DynamicPrune:   time.Minute,
	}
	s := New(cfg, &fakeDispatcher{}, reg, zerolog.Nop())

	jsonBody := `{"checkresults":[{"type":"service","hostname":"h1","servicename":"s1","status":0,"output":"ok"}]}`

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
			req.Header.Set("Content-Type", "application/json")
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			s.handleNRDP(w, req)
		}
	})
}

func TestResponseMirrorsFormat(t *testing.T) {
	s, _ := testServer(t, "", false)

	xmlData := `<checkresults><checkresult type="service" checktype="1"><hostname>h</hostname><servicename>s</servicename><state>0</state><output>ok</output></checkresult></checkresults>`
	req := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(xmlData))
	req.Header.Set("Content-Type", "text/xml")
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	s.handleNRDP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("XML request: response Content-Type = %q, want text/xml", ct)
	}
	var xmlResp ResponseXML
	if err := xml.Unmarshal(w.Body.Bytes(), &xmlResp); err != nil {
		t.Errorf("XML response not valid XML: %v", err)
	}

	jsonBody := `{"checkresults":[{"type":"service","hostname":"h","servicename":"s","status":0,"output":"ok"}]}`
	req2 := httptest.NewRequest(http.MethodPost, "/nrdp/", strings.NewReader(jsonBody))
	req2.Header.Set("Content-Type", "application/json")
	req2.RemoteAddr = "127.0.0.1:12345"
	w2 := httptest.NewRecorder()
	s.handleNRDP(w2, req2)

	if ct := w2.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("JSON request: response Content-Type = %q, want application/json", ct)
	}
	var jsonResp ResponseJSON
	if err := json.Unmarshal(w2.Body.Bytes(), &jsonResp); err != nil {
		t.Errorf("JSON response not valid JSON: %v", err)
	}
}
