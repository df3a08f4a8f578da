package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/ollamanager/internal/api"
	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/pullqueue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console HTTP API and background pull worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve model tools over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().String("host", "", "listen host (overrides server.host)")
	serveCmd.Flags().Bool("ensure-model", false, "pull and load the default model before serving")
}

func runServer(cmd *cobra.Command) error {
	fmt.Fprintf(os.Stderr, "ollamanager version %s\n", version)

	l, err := openLocal()
	if err != nil {
		return err
	}
	defer l.Close()
	cfg := l.cfg

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ensure, _ := cmd.Flags().GetBool("ensure-model"); ensure {
		if err := ollama.EnsureModel(ctx, l.client, cfg.Ollama.DefaultModel, true, os.Stderr); err != nil {
			return err
		}
	} else if !l.client.IsRunning(ctx) {
		slog.Warn("ollama is not reachable; console will report errors until it is", "base_url", l.client.BaseURL())
	}

	if cfg.Server.Token == "" && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
		printWarning("serving on %s without server.token; anyone on the network can manage models", cfg.Server.Host)
	}

	console := api.NewConsoleHandler(api.ConsoleDeps{
		Client:          l.client,
		Settings:        l.settings,
		Store:           l.store,
		Token:           cfg.Server.Token,
		SaveHistory:     cfg.Chat.SaveHistory,
		PullMaxAttempts: cfg.Pull.MaxAttempts,
	})

	topRouter := chi.NewRouter()
	topRouter.Get("/health", api.HealthHandler(l.client))
	topRouter.Mount("/console", console)

	addr := cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	srv := &http.Server{
		Handler:           topRouter,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start pull worker.
	worker := pullqueue.NewWorker(l.store, l.client, cfg.Pull.PollInterval)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "ollamanager listening on %s (ollama at %s)\n", addr, l.client.BaseURL())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-workerDone
	return err
}

func runMCP() error {
	l, err := openLocal()
	if err != nil {
		return err
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Client:       l.client,
		DefaultModel: l.cfg.Ollama.DefaultModel,
		Version:      version,
	})
	slog.Info("MCP server started (stdio transport)", "ollama", l.client.BaseURL())
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
