package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/docreplace/visibility"
)

func TestValidateURL(t *testing.T) {
	cases := []struct {
		url  string
		want error
	}{
		{"ftp://example.com/", ErrUnsafeScheme},
		{"http://127.0.0.1/", ErrSSRF},
		{"http://10.1.2.3/", ErrSSRF},
		{"http://[::1]/", ErrSSRF},
		{"http://169.254.169.254/latest", ErrSSRF},
		{"https://93.184.216.34/", nil},
	}
	for _, tc := range cases {
		err := ValidateURL(tc.url)
		if !errors.Is(err, tc.want) && !(tc.want == nil && err == nil) {
			t.Errorf("ValidateURL(%q) = %v, want %v", tc.url, err, tc.want)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	if _, err := LimitedReadAll(strings.NewReader("12345"), 4); err == nil {
		t.Fatal("expected overflow error")
	}
	b, err := LimitedReadAll(strings.NewReader("1234"), 4)
	if err != nil || string(b) != "1234" {
		t.Fatalf("got %q, %v", b, err)
	}
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<p>hello</p>`))
	}))
	defer srv.Close()

	f := NewFetcher(WithAllowPrivate(true))
	p, err := f.Load(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if p.HTML != `<p>hello</p>` || !strings.HasSuffix(p.URL, "/page") {
		t.Fatalf("page = %+v", p)
	}
	if _, err := f.Load(context.Background(), srv.URL+"/missing"); err == nil {
		t.Fatal("expected status error")
	}

	guarded := NewFetcher()
	if _, err := guarded.Load(context.Background(), srv.URL); !errors.Is(err, ErrSSRF) {
		t.Fatalf("loopback fetch err = %v", err)
	}
}

func TestPageDocument(t *testing.T) {
	p := &Page{
		URL:      "https://example.com/",
		HTML:     `<body><p ` + VisibleAttr + `="0">a</p><iframe id="f"></iframe></body>`,
		Embeds:   map[string]string{"#f": "<p>inner</p>"},
		Computed: true,
	}
	doc, err := p.Document(true)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Embedded() {
		t.Fatal("embedded flag lost")
	}
	ps, _ := doc.Query(doc.Root(), "p")
	if len(ps) != 2 {
		t.Fatalf("p count = %d, want 2 (embed inlined)", len(ps))
	}
	if visibility.IsVisible(doc, ps[0], true) {
		t.Fatal("computed visibility ignored")
	}
	if !visibility.IsVisible(doc, ps[1], true) {
		t.Fatal("inlined frame content should fall back to local state")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	if err := os.WriteFile(path, []byte("<p>x</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p.URL, "file://") || p.HTML != "<p>x</p>" {
		t.Fatalf("page = %+v", p)
	}
	if IsRemote(path) || !IsRemote("https://x") {
		t.Fatal("IsRemote wrong")
	}
}
