// Command docreplace counts or replaces text in a web page, its form fields,
// rich-text editors and embedded frames.
//
// One-shot over a file or URL:
//
//	docreplace -target page.html -search colour -replace color -action replace -all > out.html
//	docreplace -target https://example.com/ -search colour -format json
//
// Daemon (HTTP API, optionally MCP over stdio):
//
//	docreplace -serve -config docreplace.yaml
//	docreplace -mcp -config docreplace.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/natefinch/lumberjack.v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/docreplace/engine"
	"github.com/hazyhaar/docreplace/kit"
	"github.com/hazyhaar/docreplace/replacer"
	"github.com/hazyhaar/docreplace/source"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		target     = flag.String("target", "", "page to search: http(s) URL or local file")
		search     = flag.String("search", "", "search term")
		replace    = flag.String("replace", "", "replacement text")
		action     = flag.String("action", "count", "count or replace")
		all        = flag.Bool("all", false, "replace every occurrence instead of the first")
		matchCase  = flag.Bool("case", false, "case-sensitive match")
		wholeWord  = flag.Bool("word", false, "match whole words only")
		isRegex    = flag.Bool("regex", false, "search term is a regular expression")
		visible    = flag.Bool("visible", false, "only visible content")
		fieldsOnly = flag.Bool("fields", false, "only form fields")
		format     = flag.String("format", "html", "output after replace: html, markdown or json")
		outPath    = flag.String("out", "", "write output to file instead of stdout")
		browser    = flag.Bool("browser", false, "load remote pages in headless Chrome")
		serve      = flag.Bool("serve", false, "run the HTTP API")
		mcpStdio   = flag.Bool("mcp", false, "serve MCP tools over stdio")
		dbPath     = flag.String("db", "", "SQLite state file (overrides config)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn or error")
		logFile    = flag.String("log-file", "", "rotating log file (default stderr)")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println("docreplace", version)
		return
	}

	logger, closeLog := setupLogger(*logLevel, *logFile)
	defer closeLog()
	slog.SetDefault(logger)

	cfg := &replacer.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = replacer.LoadConfigFile(*configPath); err != nil {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *browser {
		cfg.Fetch.Browser = true
	}
	oneShot := !*serve && !*mcpStdio
	if oneShot {
		// A local target and its frames are read from disk.
		cfg.Fetch.AllowFiles = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := replacer.New(cfg, logger)
	if err != nil {
		logger.Error("replacer", "error", err)
		os.Exit(1)
	}
	defer svc.Close()
	svc.Start(ctx)

	switch {
	case *mcpStdio:
		err = runMCP(ctx, svc)
	case *serve:
		err = runHTTP(ctx, svc, cfg.Listen, logger)
	default:
		req := replacer.Request{
			Action:  engine.Action(*action),
			Search:  *search,
			Replace: *replace,
			Target:  *target,
			Options: engine.Options{
				MatchCase:       *matchCase,
				InputFieldsOnly: *fieldsOnly,
				VisibleOnly:     *visible,
				WholeWord:       *wholeWord,
				IsRegex:         *isRegex,
				ReplaceAll:      *all,
			},
		}
		err = runOnce(kit.WithTransport(ctx, "cli"), svc, req, *format, *outPath)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("docreplace", "error", err)
		os.Exit(1)
	}
}

// setupLogger builds a JSON logger on stderr, or on a rotating file.
func setupLogger(level, file string) (*slog.Logger, func()) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err == nil {
			lj := &lumberjack.Logger{
				Filename:   file,
				MaxSize:    50,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			}
			w = lj
			closeFn = func() { lj.Close() }
		}
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), closeFn
}

func runOnce(ctx context.Context, svc *replacer.Service, req replacer.Request, format, outPath string) error {
	if req.Target == "" || req.Search == "" {
		return errors.New("-target and -search are required")
	}
	out, err := svc.RunOperation(ctx, req)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer f.Close()
		w = f
	}

	summary := fmt.Sprintf("%d found, %d replaced", out.Result.Count.Original, out.Result.Count.Replaced)
	if !out.Complete {
		summary += fmt.Sprintf(" (incomplete: %d of %d sub-documents)", out.Received, out.Expected)
	}
	fmt.Fprintln(os.Stderr, summary)
	for _, h := range out.Hints {
		fmt.Fprintln(os.Stderr, "  hint:", h)
	}

	switch {
	case format == "json" || req.Action != engine.ActionReplace:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case format == "markdown":
		md, err := toMarkdown(out.HTML, out.URL)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, md)
		return err
	default:
		_, err := io.WriteString(w, out.HTML)
		return err
	}
}

func toMarkdown(html, pageURL string) (string, error) {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	var (
		md  string
		err error
	)
	if source.IsRemote(pageURL) {
		md, err = conv.ConvertString(html, converter.WithDomain(pageURL))
	} else {
		md, err = conv.ConvertString(html)
	}
	if err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return strings.TrimSpace(md) + "\n", nil
}

func runHTTP(ctx context.Context, svc *replacer.Service, addr string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("docreplace: listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("docreplace: server stopped")
	return nil
}

func runMCP(ctx context.Context, svc *replacer.Service) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "docreplace", Version: version}, nil)
	svc.RegisterMCP(srv)
	return srv.Run(ctx, &mcp.StdioTransport{})
}
