package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

var wasmBytes = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0xff}

// newTestServer creates a Server over an in-memory filesystem with files.
func newTestServer(t *testing.T, cfg Config, files map[string][]byte) *Server {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		if err := fsys.MkdirAll(filepath.Dir(name), 0755); err != nil {
			t.Fatalf("Failed to create dir for %s: %v", name, err)
		}
		if err := afero.WriteFile(fsys, name, content, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if cfg.MIMETypes == nil {
		cfg.MIMETypes = map[string]string{".wasm": "application/wasm"}
	}
	s, err := New(fsys, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func do(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServeHTTP_ContentTypes(t *testing.T) {
	s := newTestServer(t, Config{}, map[string][]byte{
		"/app.wasm":         wasmBytes,
		"/page.html":        []byte("<p>hi</p>"),
		"/css/site.css":     []byte("body{}"),
		"/dist/index.js":    []byte("var x = 1;"),
		"/data/config.json": []byte(`{"a":1}`),
		"/notes.txt":        []byte("plain"),
	})

	tests := []struct {
		path string
		want string
	}{
		{"/app.wasm", "application/wasm"},
		{"/page.html", "text/html; charset=utf-8"},
		{"/css/site.css", "text/css; charset=utf-8"},
		{"/dist/index.js", "text/javascript; charset=utf-8"},
		{"/data/config.json", "application/json"},
		{"/notes.txt", "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(s, http.MethodGet, tt.path, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if got := w.Header().Get("Content-Type"); got != tt.want {
				t.Errorf("Content-Type = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServeHTTP_WasmBody(t *testing.T) {
	s := newTestServer(t, Config{}, map[string][]byte{"/pkg/app.wasm": wasmBytes})

	w := do(s, http.MethodGet, "/pkg/app.wasm", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), wasmBytes) {
		t.Errorf("body = %x, want %x", w.Body.Bytes(), wasmBytes)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", got)
	}
}

func TestServeHTTP_OverrideFromConfig(t *testing.T) {
	s := newTestServer(t, Config{MIMETypes: map[string]string{".js": "application/javascript"}},
		map[string][]byte{"/main.js": []byte("1")})

	w := do(s, http.MethodGet, "/main.js", nil)
	if got := w.Header().Get("Content-Type"); got != "application/javascript" {
		t.Errorf("Content-Type = %q, want override", got)
	}
}

func TestServeHTTP_NotFound(t *testing.T) {
	s := newTestServer(t, Config{}, map[string][]byte{"/index.html": []byte("hi")})

	for _, p := range []string{"/missing", "/missing.wasm", "/dir/nothing.js", "/../etc/passwd"} {
		w := do(s, http.MethodGet, p, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", p, w.Code)
		}
	}
}

func TestServeHTTP_DirectoryIndex(t *testing.T) {
	s := newTestServer(t, Config{}, map[string][]byte{
		"/index.html":      []byte("hi"),
		"/docs/index.html": []byte("docs"),
	})

	tests := []struct {
		path string
		want string
	}{
		{"/", "hi"},
		{"/docs/", "docs"},
	}
	for _, tt := range tests {
		w := do(s, http.MethodGet, tt.path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", tt.path, w.Code)
		}
		if w.Body.String() != tt.want {
			t.Errorf("GET %s body = %q, want %q", tt.path, w.Body.String(), tt.want)
		}
		if got := w.Header().Get("Content-Type"); got != "text/html; charset=utf-8" {
			t.Errorf("GET %s Content-Type = %q", tt.path, got)
		}
	}
}

func TestServeHTTP_DirectoryListing(t *testing.T) {
	s := newTestServer(t, Config{}, map[string][]byte{
		"/assets/a.css": []byte("a"),
		"/assets/b.js":  []byte("b"),
	})

	w := do(s, http.MethodGet, "/assets/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"a.css", "b.js"} {
		if !strings.Contains(body, name) {
			t.Errorf("listing missing %s: %s", name, body)
		}
	}
}

func TestServeHTTP_Methods(t *testing.T) {
	s := newTestServer(t, Config{}, map[string][]byte{"/app.wasm": wasmBytes})

	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, "BREW"} {
		w := do(s, m, "/app.wasm", nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s status = %d, want 405", m, w.Code)
		}
		if got := w.Header().Get("Allow"); got != "GET, HEAD" {
			t.Errorf("%s Allow = %q", m, got)
		}
	}

	// The handler keeps serving after rejected methods.
	w := do(s, http.MethodHead, "/app.wasm", nil)
	if w.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/wasm" {
		t.Errorf("HEAD Content-Type = %q", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD body length = %d, want 0", w.Body.Len())
	}
}

func TestServeHTTP_ETag(t *testing.T) {
	s := newTestServer(t, Config{ETag: true}, map[string][]byte{"/app.wasm": wasmBytes})

	first := do(s, http.MethodGet, "/app.wasm", nil)
	tag := first.Header().Get("ETag")
	if len(tag) != 34 || tag[0] != '"' {
		t.Fatalf("ETag = %q, want quoted 32 hex chars", tag)
	}

	second := do(s, http.MethodGet, "/app.wasm", http.Header{"If-None-Match": {tag}})
	if second.Code != http.StatusNotModified {
		t.Errorf("conditional GET status = %d, want 304", second.Code)
	}
}

func TestServeHTTP_ETagChangesWithContent(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/a.js", []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	before, err := fileETag(fsys, "/a.js")
	if err != nil {
		t.Fatalf("fileETag() error = %v", err)
	}
	if err := afero.WriteFile(fsys, "/a.js", []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}
	after, err := fileETag(fsys, "/a.js")
	if err != nil {
		t.Fatalf("fileETag() error = %v", err)
	}
	if before == after {
		t.Error("ETag did not change with content")
	}
}

func TestServeHTTP_Gzip(t *testing.T) {
	big := []byte(strings.Repeat("console.log('devserve');\n", 200))
	s := newTestServer(t, Config{Compress: true}, map[string][]byte{"/bundle.js": big})

	w := do(s, http.MethodGet, "/bundle.js", http.Header{"Accept-Encoding": {"gzip"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if w.Body.Len() >= len(big) {
		t.Errorf("compressed body %d bytes, original %d", w.Body.Len(), len(big))
	}

	plain := do(s, http.MethodGet, "/bundle.js", nil)
	if plain.Header().Get("Content-Encoding") != "" || !bytes.Equal(plain.Body.Bytes(), big) {
		t.Error("client without Accept-Encoding got a compressed response")
	}
}

func TestServeHTTP_GzipETagDiffersFromIdentity(t *testing.T) {
	big := []byte(strings.Repeat("console.log('devserve');\n", 200))
	s := newTestServer(t, Config{Compress: true, ETag: true}, map[string][]byte{"/app.js": big})

	identity := do(s, http.MethodGet, "/app.js", nil)
	compressed := do(s, http.MethodGet, "/app.js", http.Header{"Accept-Encoding": {"gzip"}})
	if compressed.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", compressed.Header().Get("Content-Encoding"))
	}

	plainTag := identity.Header().Get("ETag")
	gzipTag := compressed.Header().Get("ETag")
	if plainTag == "" || gzipTag == "" {
		t.Fatalf("missing ETag: identity %q, gzip %q", plainTag, gzipTag)
	}
	if plainTag == gzipTag {
		t.Errorf("gzip and identity responses share ETag %s", plainTag)
	}
	if want := strings.TrimSuffix(plainTag, `"`) + `-gzip"`; gzipTag != want {
		t.Errorf("gzip ETag = %s, want %s", gzipTag, want)
	}

	again := do(s, http.MethodGet, "/app.js", http.Header{"If-None-Match": {plainTag}})
	if again.Code != http.StatusNotModified {
		t.Errorf("identity revalidation status = %d, want 304", again.Code)
	}
}

func TestNew_InvalidMIMEOverride(t *testing.T) {
	if _, err := New(afero.NewMemMapFs(), Config{MIMETypes: map[string]string{"wasm": "application/wasm"}}); err == nil {
		t.Error("New() expected error for extension without dot")
	}
}

func TestRootFs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	fsys, err := RootFs(dir)
	if err != nil {
		t.Fatalf("RootFs() error = %v", err)
	}
	if _, err := fsys.Stat("/index.html"); err != nil {
		t.Errorf("Stat(/index.html) error = %v", err)
	}
	if err := afero.WriteFile(fsys, "/new.txt", []byte("x"), 0644); err == nil {
		t.Error("root filesystem should be read-only")
	}

	if _, err := RootFs(filepath.Join(dir, "index.html")); err == nil {
		t.Error("RootFs(file) expected error")
	}
	if _, err := RootFs(filepath.Join(dir, "missing")); err == nil {
		t.Error("RootFs(missing) expected error")
	}
}

func TestNormalizeRequestPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/a/b/", "/a/b"},
		{"a/./b", "/a/b"},
		{"/../../etc/passwd", "/etc/passwd"},
	}
	for _, tt := range tests {
		if got := normalizeRequestPath(tt.in); got != tt.want {
			t.Errorf("normalizeRequestPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// startServer serves dir on a loopback listener and returns its base URL.
func startServer(t *testing.T, dir string) string {
	t.Helper()
	fsys, err := RootFs(dir)
	if err != nil {
		t.Fatalf("RootFs() error = %v", err)
	}

	var out bytes.Buffer
	ready := make(chan net.Addr, 1)
	s, err := New(fsys, Config{Host: "127.0.0.1", Port: 0, MIMETypes: map[string]string{".wasm": "application/wasm"}},
		WithOutput(&out),
		WithListen(func(network, address string) (net.Listener, error) {
			ln, err := net.Listen(network, address)
			if err == nil {
				ready <- ln.Addr()
			}
			return ln, err
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		cancel()
		t.Fatalf("ListenAndServe() returned early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not bind")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("ListenAndServe() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after cancel")
		}
		port := addr.(*net.TCPAddr).Port
		if want := "serving on port "; !strings.HasPrefix(out.String(), want) || strings.Count(out.String(), "\n") != 1 {
			t.Errorf("announcement = %q, want one %q line for port %d", out.String(), want, port)
		}
	})
	return "http://" + addr.String()
}

func TestListenAndServe_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.wasm"), wasmBytes, 0644); err != nil {
		t.Fatal(err)
	}
	base := startServer(t, dir)

	get := func(p string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Get(base + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		return resp, body
	}

	resp, body := get("/")
	if resp.StatusCode != http.StatusOK || string(body) != "hi" {
		t.Errorf("GET / = %d %q, want 200 \"hi\"", resp.StatusCode, body)
	}

	resp, body = get("/app.wasm")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /app.wasm status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/wasm" {
		t.Errorf("GET /app.wasm Content-Type = %q", got)
	}
	if !bytes.Equal(body, wasmBytes) {
		t.Errorf("GET /app.wasm body = %x, want %x", body, wasmBytes)
	}

	resp, _ = get("/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /missing status = %d, want 404", resp.StatusCode)
	}

	postResp, err := http.Post(base+"/app.wasm", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = postResp.Body.Close()
	if postResp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", postResp.StatusCode)
	}

	// Still serving after the rejected POST.
	if resp, _ := get("/"); resp.StatusCode != http.StatusOK {
		t.Errorf("GET / after POST status = %d", resp.StatusCode)
	}
}

func TestListenAndServe_BindFailure(t *testing.T) {
	var out bytes.Buffer
	bindErr := errors.New("address already in use")
	s, err := New(afero.NewMemMapFs(), Config{Port: 8000},
		WithOutput(&out),
		WithListen(func(string, string) (net.Listener, error) { return nil, bindErr }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = s.ListenAndServe(context.Background())
	if !errors.Is(err, bindErr) {
		t.Errorf("ListenAndServe() error = %v, want %v", err, bindErr)
	}
	if out.Len() != 0 {
		t.Errorf("announced %q despite bind failure", out.String())
	}
}

func TestListenAndServe_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ln.Close() }()

	s, err := New(afero.NewMemMapFs(), Config{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}, WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Error("ListenAndServe() on a bound port expected error")
	}
}

func TestAddr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"", 8000, ":8000"},
		{"127.0.0.1", 9000, "127.0.0.1:9000"},
		{"::1", 80, "[::1]:80"},
	}
	for _, tt := range tests {
		s, err := New(afero.NewMemMapFs(), Config{Host: tt.host, Port: tt.port})
		if err != nil {
			t.Fatal(err)
		}
		if got := s.Addr(); got != tt.want {
			t.Errorf("Addr() = %q, want %q", got, tt.want)
		}
	}
}
