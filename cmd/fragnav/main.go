// CLAUDE:SUMMARY CLI entry point for fragnav: one-shot visit/follow with html or markdown output, HTTP control API, or MCP over stdio.
// Command fragnav drives fragment-updating web applications headlessly.
//
// Usage:
//
//	fragnav -url https://example.com -format markdown     # print a page
//	fragnav -url https://example.com -follow 'a.next'     # follow a link, print the result
//	fragnav -config fragnav.yaml -serve                   # HTTP control API
//	fragnav -config fragnav.yaml -mcp                     # MCP tools over stdio
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fragnav"
	"github.com/hazyhaar/fragnav/config"
	"github.com/hazyhaar/fragnav/server"
)

func main() {
	configPath := flag.String("config", "", "path to fragnav.yaml config file")
	startURL := flag.String("url", "", "URL to visit first (overrides session.start_url)")
	follow := flag.String("follow", "", "CSS selector of a link to follow after the visit")
	format := flag.String("format", "html", "output format: html, markdown")
	serve := flag.Bool("serve", false, "serve the HTTP control API on server.addr")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools over stdio")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Error("fragnav: config", "error", err)
			os.Exit(1)
		}
	}
	if *startURL != "" {
		cfg.Session.StartURL = *startURL
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if err := run(ctx, logger, cfg, *follow, *format, *serve, *mcpStdio); err != nil {
		logger.Error("fragnav: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, follow, format string, serve, mcpStdio bool) error {
	if !serve && !mcpStdio && cfg.Session.StartURL == "" {
		fmt.Fprintln(os.Stderr, "usage: fragnav -url <url> [-follow <selector>] [-format html|markdown] | -serve | -mcp")
		os.Exit(2)
	}

	s, err := fragnav.New(cfg, fragnav.WithLogger(logger))
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.Session.StartURL != "" {
		if _, err := s.Visit(ctx, cfg.Session.StartURL); err != nil {
			return fmt.Errorf("visit %s: %w", cfg.Session.StartURL, err)
		}
	}

	switch {
	case mcpStdio:
		srv := mcp.NewServer(&mcp.Implementation{Name: "fragnav", Version: "1.0.0"}, nil)
		fragnav.RegisterMCP(srv, s)
		logger.Info("fragnav: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})
	case serve:
		return listen(ctx, logger, cfg.Server.Addr, server.New(s, logger).Handler())
	}

	if follow != "" {
		res, err := s.Follow(ctx, "", follow)
		if err != nil && res == nil {
			return fmt.Errorf("follow %s: %w", follow, err)
		}
		if err != nil {
			logger.Warn("fragnav: follow rendered a failed response", "error", err)
		}
	}
	return output(s, format)
}

func output(s *fragnav.Session, format string) error {
	switch format {
	case "markdown", "md":
		md, err := s.Markdown("")
		if err != nil {
			return err
		}
		fmt.Println(md)
	case "html":
		fmt.Println(s.HTML())
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}

func listen(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("fragnav: listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
