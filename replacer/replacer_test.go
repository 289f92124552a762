package replacer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/docreplace/connectivity"
	"github.com/hazyhaar/docreplace/dbopen"
	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/merge"
	"github.com/hazyhaar/docreplace/observability"
	"github.com/hazyhaar/docreplace/source"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(t *testing.T, cfg *Config, opts ...Option) *Service {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Fetch.AllowFiles = true
	if cfg.Merge.WaitTimeout == 0 {
		cfg.Merge.WaitTimeout = 2 * time.Second
	}
	svc, err := New(cfg, quiet(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Close()
	})
	return svc
}

// writeSite writes name -> markup into a temp dir and returns the dir.
func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func framedSite(t *testing.T) string {
	return writeSite(t, map[string]string{
		"top.html": `<body><p>apple</p><iframe src="a.html"></iframe><iframe src="b.html"></iframe></body>`,
		"a.html":   `<body><p>apple apple</p><textarea>apple</textarea></body>`,
		"b.html":   `<body><span>apple</span><iframe src="c.html"></iframe></body>`,
		"c.html":   `<body><input value="apple"></body>`,
	})
}

func TestRunOperation_SingleDocument(t *testing.T) {
	svc := newService(t, nil)
	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Page:   &source.Page{URL: "https://example.com/", HTML: `<body><p>apple</p><input value="apple"></body>`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Complete || out.Expected != 0 || out.Result.Count.Original != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.HTML != "" {
		t.Fatal("count rendered HTML")
	}
	if out.RunID == "" || out.Identity == "" {
		t.Fatalf("missing identity: %+v", out)
	}
}

func TestRunOperation_MergesIsolatedFrames(t *testing.T) {
	dir := framedSite(t)
	svc := newService(t, nil)
	out, err := svc.RunOperation(context.Background(), Request{
		Action:  engine.ActionCount,
		Search:  "apple",
		Target:  filepath.Join(dir, "top.html"),
		Options: engine.Options{ReplaceAll: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	// top 1 + a 3 + b 1 + c (nested in b) 1
	if !out.Complete || out.Result.Count.Original != 6 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Received != 2 || out.Expected != 2 || len(out.Frames) != 2 {
		t.Fatalf("received %d expected %d frames %d", out.Received, out.Expected, len(out.Frames))
	}
	if out.Frames[0].Slot != "0" || out.Frames[1].Result.Count.Original != 2 {
		t.Fatalf("frames = %+v", out.Frames)
	}
}

func TestRunOperation_ReplaceAllAcrossFrames(t *testing.T) {
	dir := framedSite(t)
	svc := newService(t, nil)
	out, err := svc.RunOperation(context.Background(), Request{
		Action:  engine.ActionReplace,
		Search:  "apple",
		Replace: "pear",
		Target:  filepath.Join(dir, "top.html"),
		Options: engine.Options{ReplaceAll: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Count.Original != 6 || out.Result.Count.Replaced != 6 || !out.Result.Replaced {
		t.Fatalf("result = %+v", out.Result)
	}
	if strings.Contains(out.HTML, "apple") || !strings.Contains(out.HTML, "pear") {
		t.Fatalf("top html = %s", out.HTML)
	}
	if strings.Contains(out.Frames[0].HTML, "apple") {
		t.Fatalf("frame html = %s", out.Frames[0].HTML)
	}
}

func TestRunOperation_ReplaceFirstAcrossFrames(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"top.html": `<body><p>none here</p><iframe src="a.html"></iframe><iframe src="b.html"></iframe></body>`,
		"a.html":   `<body><p>apple apple</p></body>`,
		"b.html":   `<body><p>apple</p></body>`,
	})
	svc := newService(t, nil)
	out, err := svc.RunOperation(context.Background(), Request{
		Action:  engine.ActionReplace,
		Search:  "apple",
		Replace: "pear",
		Target:  filepath.Join(dir, "top.html"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Count.Replaced != 1 || out.Result.Count.Original != 3 {
		t.Fatalf("result = %+v", out.Result)
	}
	if second := out.Frames[1].Result; second.Replaced || second.Count.Original != 1 {
		t.Fatalf("second frame replaced after the first: %+v", second)
	}
}

func TestRunOperation_UnreachableFrameIsIncomplete(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"top.html": `<body><p>apple</p><iframe src="missing.html"></iframe></body>`,
	})
	svc := newService(t, nil)
	start := time.Now()
	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Target: filepath.Join(dir, "top.html"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Complete || out.Result.Count.Original != 1 || out.Frames[0].Error == "" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Received != out.Expected {
		t.Fatalf("failed frame not recorded: received %d of %d", out.Received, out.Expected)
	}
	if time.Since(start) > time.Second {
		t.Fatal("waited for a frame that had already failed")
	}
}

func TestRunOperation_FailedFrameDoesNotHoldPendingSibling(t *testing.T) {
	svc := newService(t, nil)
	svc.Router().RegisterLocal(FrameService, func(ctx context.Context, payload []byte) ([]byte, error) {
		var req FrameRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if req.Slot == "0" {
			return nil, errors.New("frame host down")
		}
		go func() {
			time.Sleep(50 * time.Millisecond)
			svc.OnPartialResult(context.Background(), merge.Partial{
				Identity: req.Identity,
				PageURL:  req.URL,
				Slot:     req.Slot,
				Embedded: true,
				Result:   engine.Result{Count: engine.Count{Original: 2}},
			})
		}()
		return nil, nil
	})

	start := time.Now()
	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Page: &source.Page{URL: "https://example.com/", HTML: `<p>apple</p>` +
			`<iframe src="https://down.example/a"></iframe><iframe src="https://frames.example/b"></iframe>`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run waited %v for a failed frame", elapsed)
	}
	if out.Complete || out.Received != out.Expected || out.Result.Count.Original != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Frames[0].Error == "" || !out.Frames[1].Pending {
		t.Fatalf("frames = %+v", out.Frames)
	}
	var hinted bool
	for _, h := range out.Hints {
		if strings.Contains(h, "down.example") {
			hinted = true
		}
	}
	if !hinted {
		t.Fatalf("hints = %v", out.Hints)
	}
}

func TestRunOperation_LatePartialCompletes(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	router := connectivity.New(connectivity.WithLogger(quiet()))
	if err := connectivity.SetRoute(db, FrameService, "noop", "", ""); err != nil {
		t.Fatal(err)
	}
	svc := newService(t, nil, WithRouter(router))
	if err := router.Reload(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	req := Request{
		Action: engine.ActionCount,
		Search: "apple",
		Page:   &source.Page{URL: "https://example.com/", HTML: `<p>apple</p><iframe src="https://frames.example/a"></iframe>`},
		RunID:  "run_test",
	}
	id := Identify(req.engineRequest(), "https://example.com/", req.RunID)
	go func() {
		time.Sleep(50 * time.Millisecond)
		svc.OnPartialResult(context.Background(), merge.Partial{
			Identity: id,
			PageURL:  "https://frames.example/a",
			Slot:     "0",
			Embedded: true,
			Result:   engine.Result{Count: engine.Count{Original: 4}},
		})
	}()

	out, err := svc.RunOperation(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Complete || out.Result.Count.Original != 5 || !out.Frames[0].Pending {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunOperation_WaitTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(connectivity.Schema))
	router := connectivity.New(connectivity.WithLogger(quiet()))
	connectivity.SetRoute(db, FrameService, "noop", "", "")
	svc := newService(t, &Config{Merge: MergeConfig{WaitTimeout: 50 * time.Millisecond}}, WithRouter(router))
	router.Reload(context.Background(), db)

	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Page:   &source.Page{URL: "https://example.com/", HTML: `<p>apple</p><iframe src="https://frames.example/a"></iframe>`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Complete || out.Expected != 1 || out.Result.Count.Original != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRunOperation_Errors(t *testing.T) {
	svc := newService(t, nil)
	ctx := context.Background()
	if _, err := svc.RunOperation(ctx, Request{Action: "delete", Search: "x", Target: "x.html"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v", err)
	}
	if _, err := svc.RunOperation(ctx, Request{Action: engine.ActionCount, Search: "x"}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err = %v", err)
	}
	if _, _, err := svc.OnPartialResult(ctx, merge.Partial{}); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v", err)
	}

	locked, err := New(&Config{}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	defer locked.Close()
	if _, err := locked.RunOperation(ctx, Request{Action: engine.ActionCount, Search: "x", Target: "/etc/hosts"}); !errors.Is(err, ErrFileTarget) {
		t.Fatalf("err = %v", err)
	}
}

func TestFrame_DepthLimit(t *testing.T) {
	dir := writeSite(t, map[string]string{
		"a.html": `<body><p>apple</p><iframe src="b.html"></iframe></body>`,
		"b.html": `<body><p>apple</p></body>`,
	})
	svc := newService(t, &Config{Dispatch: DispatchConfig{MaxDepth: 1}})
	resp, err := svc.Frame(context.Background(), FrameRequest{
		Identity: "id",
		URL:      "file://" + filepath.Join(dir, "a.html"),
		Slot:     "0",
		Request:  engine.Request{Action: engine.ActionCount, Search: "apple"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := resp.Partial
	if p.Result.Count.Original != 1 || !p.Embedded || p.Slot != "0" || len(p.Hints) == 0 {
		t.Fatalf("partial = %+v", p)
	}
}

func TestIdentify(t *testing.T) {
	req := engine.Request{Action: engine.ActionCount, Search: "a"}
	a := Identify(req, "https://example.com/", "run_1")
	if a != Identify(req, "https://example.com/", "run_1") || len(a) != 64 {
		t.Fatalf("identity not deterministic: %s", a)
	}
	if a == Identify(req, "https://example.com/", "run_2") {
		t.Fatal("run ID ignored")
	}
	req.Options.MatchCase = true
	if a == Identify(req, "https://example.com/", "run_1") {
		t.Fatal("options ignored")
	}
}

func TestSQLiteStoreAndRoutes(t *testing.T) {
	cfg := &Config{
		DBPath: filepath.Join(t.TempDir(), "state", "docreplace.db"),
		Routes: []connectivity.Route{{Service: "docreplace_audit", Strategy: "noop"}},
	}
	svc := newService(t, cfg)
	out, err := svc.RunOperation(context.Background(), Request{
		Action: engine.ActionCount,
		Search: "apple",
		Page:   &source.Page{URL: "https://example.com/", HTML: `<p>apple</p>`},
	})
	if err != nil || !out.Complete {
		t.Fatalf("out = %+v, %v", out, err)
	}
	var n int
	if err := svc.db.QueryRow(`SELECT COUNT(*) FROM routes`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("routes = %d, %v", n, err)
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()
	if _, err := svc.RunOperation(context.Background(), Request{Action: "erase", Search: "x"}); err == nil {
		t.Fatal("unknown action accepted")
	}
	svc.Audit().Close()
	resp, err := http.Get(srv.URL + "/v1/operations?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []observability.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %+v", entries)
	}
	statuses := map[string]bool{}
	for _, e := range entries {
		statuses[e.Status] = true
	}
	if !statuses[observability.StatusSuccess] || !statuses[observability.StatusError] {
		t.Fatalf("statuses = %v", statuses)
	}
}
