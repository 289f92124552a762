package replacer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/docreplace/connectivity"
	"github.com/hazyhaar/docreplace/dbopen"
	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/observability"
	"github.com/hazyhaar/docreplace/shield"
)

func post(t *testing.T, srv *httptest.Server, path string, body any) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHandler(t *testing.T) {
	svc := newService(t, nil)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %v, %v", resp, err)
	}
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("headers = %v", resp.Header)
	}

	r, body := post(t, srv, "/v1/operations", map[string]any{
		"action":  "replace",
		"search":  "colour",
		"replace": "color",
		"options": map[string]any{"replace_all": true},
		"page":    map[string]any{"url": "https://example.com/", "html": `<p>colour colour</p>`},
	})
	if r.StatusCode != http.StatusOK {
		t.Fatalf("operations status %d: %s", r.StatusCode, body)
	}
	var out Outcome
	json.Unmarshal(body, &out)
	if out.Result.Count.Replaced != 2 || !out.Complete || !bytes.Contains([]byte(out.HTML), []byte("color color")) {
		t.Fatalf("outcome = %+v", out)
	}

	if r, _ := post(t, srv, "/v1/operations", map[string]any{"action": "erase", "search": "x"}); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action status %d", r.StatusCode)
	}
	if r, _ := post(t, srv, "/v1/partials", map[string]any{}); r.StatusCode != http.StatusBadRequest {
		t.Fatalf("partial without identity status %d", r.StatusCode)
	}

	r, body = post(t, srv, "/v1/partials", map[string]any{
		"identity": "abc", "page_url": "https://f.example/", "slot": "0", "embedded": true,
		"result": map[string]any{"count": map[string]any{"original": 2}},
	})
	if r.StatusCode != http.StatusAccepted {
		t.Fatalf("early embedded partial status %d: %s", r.StatusCode, body)
	}
}

func TestHandler_Limits(t *testing.T) {
	svc := newService(t, &Config{Shield: shield.Config{MaxBody: 64, Rate: 2}})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	big := map[string]any{"action": "count", "search": strings.Repeat("x", 200), "target": "a.html"}
	if r, _ := post(t, srv, "/v1/operations", big); r.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body status %d", r.StatusCode)
	}
	post(t, srv, "/v1/operations", map[string]any{})
	post(t, srv, "/v1/operations", map[string]any{})
	if r, _ := post(t, srv, "/v1/operations", map[string]any{}); r.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request status %d", r.StatusCode)
	}
	if resp, err := http.Get(srv.URL + "/healthz"); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz limited: %v, %v", resp, err)
	}
}

func TestHandler_FileTargetsForbidden(t *testing.T) {
	svc, err := New(&Config{}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	svc.Start(t.Context())
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	r, _ := post(t, srv, "/v1/operations", map[string]any{"action": "count", "search": "root", "target": "/etc/passwd"})
	if r.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d", r.StatusCode)
	}
}

func TestHandler_FileTargetsRefusedWhenAllowed(t *testing.T) {
	dir := writeSite(t, map[string]string{"top.html": `<body><p>root</p></body>`})
	svc := newService(t, nil)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	target := filepath.Join(dir, "top.html")
	r, body := post(t, srv, "/v1/operations", map[string]any{"action": "count", "search": "root", "target": target})
	if r.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", r.StatusCode, body)
	}
	r, body = post(t, srv, "/v1/operations", map[string]any{"action": "count", "search": "root", "target": "file://" + target})
	if r.StatusCode != http.StatusForbidden {
		t.Fatalf("file address status %d: %s", r.StatusCode, body)
	}

	// In-process callers still follow fetch.allow_files.
	out, err := svc.RunOperation(context.Background(), Request{Action: "count", Search: "root", Target: target})
	if err != nil || out.Result.Count.Original != 1 {
		t.Fatalf("in-process run = %+v, %v", out, err)
	}
}

// A docreplace_frame route pointing at another instance's /v1/frames.
func TestRemoteFrameWorker(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"top.html":   `<body><p>apple</p><iframe src="frame.html"></iframe></body>`,
		"frame.html": `<body><p>apple apple</p></body>`,
	})
	worker := newService(t, nil)
	var hits atomic.Int32
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		worker.Handler().ServeHTTP(w, r)
	}))
	defer ws.Close()

	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	connectivity.SetRoute(db, FrameService, "http", ws.URL+"/v1/frames", `{"allow_private": true}`)
	router := connectivity.New(connectivity.WithLogger(quiet()))
	router.RegisterTransport("http", connectivity.HTTPFactory())
	if err := router.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	svc := newService(t, nil, WithRouter(router))

	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Target: filepath.Join(dir, "top.html"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Complete || out.Result.Count.Original != 3 || hits.Load() != 1 {
		t.Fatalf("outcome = %+v, worker hits %d", out, hits.Load())
	}
}

func TestRemoteFrameWorker_RetriesCount(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"top.html":   `<body><iframe src="frame.html"></iframe></body>`,
		"frame.html": `<body><p>apple apple</p></body>`,
	})
	worker := newService(t, nil)
	var hits atomic.Int32
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		worker.Handler().ServeHTTP(w, r)
	}))
	defer ws.Close()

	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	connectivity.SetRoute(db, FrameService, "http", ws.URL+"/v1/frames", `{"allow_private": true}`)
	router := connectivity.New(connectivity.WithLogger(quiet()))
	router.RegisterTransport("http", connectivity.HTTPFactory())
	if err := router.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{Dispatch: DispatchConfig{Retries: 2, RetryBackoff: time.Millisecond}}
	svc := newService(t, cfg, WithRouter(router))

	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Target: filepath.Join(dir, "top.html"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Complete || out.Result.Count.Original != 2 || hits.Load() != 2 {
		t.Fatalf("outcome = %+v, worker hits %d", out, hits.Load())
	}
}

func TestMCPTools(t *testing.T) {
	svc := newService(t, nil)
	impl := &mcp.Implementation{Name: "docreplace-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "docreplace_count",
		Arguments: map[string]any{
			"search":  "Term",
			"url":     "https://example.com/",
			"html":    `<p>term TERM</p><textarea>term</textarea>`,
			"options": map[string]any{"match_case": true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := res.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	var out Outcome
	if err := json.Unmarshal([]byte(res.Content[0].(*mcp.TextContent).Text), &out); err != nil {
		t.Fatal(err)
	}
	if out.Result.Count.Original != 0 {
		t.Fatalf("match_case ignored: %+v", out.Result)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "docreplace_replace",
		Arguments: map[string]any{"search": "a", "replace": "b", "target": "/etc/hosts"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("file target accepted over MCP")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docreplace.yaml")
	os.WriteFile(path, []byte(`
db_path: /var/lib/docreplace/state.db
merge:
  wait_timeout: 3s
dispatch:
  concurrency: 8
editors:
  - name: redactor
    container: .redactor-box
    surface: .redactor-editor
routes:
  - service: docreplace_frame
    strategy: http
    endpoint: https://worker.internal/v1/frames
`), 0o644)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.defaults()
	if cfg.Merge.WaitTimeout != 3*time.Second || cfg.Merge.RecordTTL != 10*time.Minute {
		t.Fatalf("merge = %+v", cfg.Merge)
	}
	if cfg.Dispatch.Concurrency != 8 || cfg.Dispatch.FrameTimeout != 15*time.Second {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Pattern.CacheSize != 256 || cfg.Listen != ":8086" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	shapes, err := cfg.editorShapes()
	if err != nil || len(shapes) != 1 || shapes[0].Name != "redactor" {
		t.Fatalf("shapes = %+v, %v", shapes, err)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Strategy != "http" {
		t.Fatalf("routes = %+v", cfg.Routes)
	}

	bad := &Config{Editors: []engine.EditorConfig{{Name: "nameless"}}}
	if _, err := New(bad, quiet()); err == nil {
		t.Fatal("editor without container accepted")
	}
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestHandler_AuditCarriesCallerContext(t *testing.T) {
	svc := newService(t, &Config{DBPath: filepath.Join(t.TempDir(), "docreplace.db")})
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	b, _ := json.Marshal(map[string]any{
		"action": "count",
		"search": "apple",
		"page":   map[string]any{"url": "https://example.com/", "html": "<p>apple</p>"},
	})
	req, _ := http.NewRequest("POST", srv.URL+"/v1/operations", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Run-ID", "run_from_header")
	req.Header.Set("X-Request-ID", "req_42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var out Outcome
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || out.RunID != "run_from_header" {
		t.Fatalf("status %d, outcome %+v", resp.StatusCode, out)
	}

	svc.Audit().Close()
	entries, err := svc.Audit().Query(context.Background(), observability.Filter{RunID: "run_from_header"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %+v, %v", entries, err)
	}
	e := entries[0]
	if e.Transport != "http" || e.RequestID != "req_42" || !strings.HasPrefix(e.RemoteAddr, "127.0.0.1:") {
		t.Fatalf("entry = %+v", e)
	}
}
