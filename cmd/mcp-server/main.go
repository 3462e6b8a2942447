// MCP Conductor Server
// Stdio for a local orchestrator, HTTP for sandboxed agents.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conductorhq/conductor/internal/beads"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/policy"
	"github.com/conductorhq/conductor/internal/runner"
	"github.com/conductorhq/conductor/internal/sandbox"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/tools/coord"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	// Handle CLI subcommands before starting the MCP server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "run-agent":
			runAgentCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("mcp-conductor " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, "[mcp-conductor] ", log.LstdFlags|log.Lshortfile)
	cfg := loadConfig(tmpLogger)
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Println("Starting MCP Conductor server...")
	logger.Printf("State file: %s", pol.StateFile())
	logger.Printf("Workspace root: %s", cfg.WorkspaceRoot)

	st, err := store.New(pol.StateFile())
	if err != nil {
		logger.Fatalf("State store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when daemonized (nohup, launchd, etc.)
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"mcp-conductor",
		Version,
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, true),
	)

	// Sandbox manager and agent runner share one event stream; the
	// runner must see stopped/failed/timeout to drop its records.
	agents := runnerStack(pol, logger)

	// Health monitor for the configured project.
	var monitor *health.Monitor
	if pol.ProjectID() != "" {
		hc := pol.Health()
		monOpts := []health.Option{
			health.WithScanInterval(time.Duration(hc.ScanIntervalSeconds) * time.Second),
			health.WithThresholds(
				time.Duration(hc.WarningSeconds)*time.Second,
				time.Duration(hc.CriticalSeconds)*time.Second,
				time.Duration(hc.OfflineSeconds)*time.Second),
		}
		if hc.WebhookURL != "" {
			monOpts = append(monOpts, health.WithWebhook(hc.WebhookURL))
		}
		monitor = health.NewMonitor(st, pol.ProjectID(), logger, monOpts...)
		monitor.Start(ctx)
		logger.Printf("Health monitor started (scan every %ds)", hc.ScanIntervalSeconds)
	}

	// Bead directory watcher (optional).
	var watcher *beads.Watcher
	if bc := pol.Beads(); bc != nil && pol.ProjectID() != "" {
		importer := beads.NewImporter(st, pol.ProjectID(), logger)
		var watchOpts []beads.WatcherOption
		if bc.WatchIntervalSeconds > 0 {
			watchOpts = append(watchOpts, beads.WithPollInterval(time.Duration(bc.WatchIntervalSeconds)*time.Second))
		}
		watcher = beads.NewWatcher(importer, bc.Dir, logger, watchOpts...)
		go watcher.Start(ctx)
		logger.Printf("Bead watcher started on %s", bc.Dir)
	}

	var regOpts []coord.RegisterOption
	if monitor != nil {
		regOpts = append(regOpts, coord.WithHealthMonitor(monitor))
	}
	coord.Register(mcpServer, st, pol, logger, regOpts...)

	httpShutdown := startHTTPServer(ctx, mcpServer, cfg.HTTPPort, logger)

	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	httpShutdown()

	if err := agents.StopAllAgents(context.Background()); err != nil {
		logger.Printf("Warning: stop agents: %v", err)
	}
	if monitor != nil {
		monitor.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := st.Close(); err != nil {
		logger.Printf("Warning: close state store: %v", err)
	}
	logger.Println("Server stopped")
}

// runnerStack builds the sandbox manager and the agent runner over it,
// fanning sandbox events into the runner.
func runnerStack(pol *policy.Policy, logger *log.Logger) *runner.Runner {
	sc := pol.Sandbox()
	var agents *runner.Runner
	manager := sandbox.NewManager(
		sandbox.NewLocalProvider(sc.WorkDir),
		logger,
		sandbox.WithMaxConcurrent(sc.MaxConcurrent),
		sandbox.WithDefaultTimeout(sc.DefaultTimeoutSeconds),
		sandbox.WithAutoCleanup(sc.AutoCleanup),
		sandbox.WithEventSubscriber(func(ev sandbox.Event) {
			if agents != nil {
				agents.HandleSandboxEvent(ev)
			}
		}),
	)
	agents = runner.NewRunner(manager, logger)
	return agents
}

// startHTTPServer serves the MCP endpoint over HTTP for sandboxed
// agents. Returns a shutdown function. Uses net.Listen to support port
// 0 (auto-assign) for running multiple instances.
func startHTTPServer(ctx context.Context, mcpServer *server.MCPServer, port int, logger *log.Logger) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  Agents connect at: http://localhost:%d/mcp", actualPort)

	streamSrv := server.NewStreamableHTTPServer(mcpServer)
	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","port":%d}`, actualPort)
	})

	httpServer := &http.Server{Handler: mux}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// setupLogger creates a logger that writes to a log file and optionally
// stderr. When stderr is redirected (daemon mode via nohup), logs go
// only to the file to avoid duplicate lines.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[mcp-conductor] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[mcp-conductor] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}
	return log.New(io.MultiWriter(writers...), "[mcp-conductor] ", log.LstdFlags|log.Lshortfile)
}

// loadConfig loads policy configuration from MCP_CONFIG or defaults.
func loadConfig(logger *log.Logger) *policy.Config {
	cfg := policy.DefaultConfig()
	if configPath := os.Getenv("MCP_CONFIG"); configPath != "" {
		var err error
		cfg, err = policy.LoadConfig(configPath)
		if err != nil {
			logger.Printf("Warning: failed to load config %s: %v, using defaults", configPath, err)
			cfg = policy.DefaultConfig()
		}
	}
	if cfg.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get working directory: %v\n", err)
			os.Exit(1)
		}
		cfg.WorkspaceRoot = cwd
	}
	return cfg
}

// runStatusCommand implements "mcp-conductor status".
func runStatusCommand() {
	logger := log.New(os.Stderr, "", 0)
	cfg := loadConfig(logger)
	pol := policy.New(cfg)

	st, err := store.New(pol.StateFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if pol.ProjectID() == "" {
		fmt.Println("no project configured")
		return
	}
	tasks, err := st.ListTasks(pol.ProjectID(), store.TaskFilter{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	fmt.Printf("tasks=%d pending=%d claimed=%d in_progress=%d completed=%d failed=%d blocked=%d\n",
		len(tasks), counts["pending"], counts["claimed"], counts["in_progress"],
		counts["completed"], counts["failed"], counts["blocked"])
}

// runAgentCommand implements "mcp-conductor run-agent <type> [repo] [branch]":
// one-shot agent run in a fresh sandbox, streaming output to stdout.
func runAgentCommand() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: mcp-conductor run-agent <type> [git-repo] [branch]")
		os.Exit(2)
	}
	logger := log.New(os.Stderr, "[mcp-conductor] ", log.LstdFlags)
	cfg := loadConfig(logger)
	pol := policy.New(cfg)
	agents := runnerStack(pol, logger)

	rcfg := runner.Config{
		AgentID:   fmt.Sprintf("cli-%d", os.Getpid()),
		ProjectID: pol.ProjectID(),
		Type:      os.Args[2],
		MCPURL:    fmt.Sprintf("http://localhost:%d/mcp", cfg.HTTPPort),
	}
	if len(os.Args) > 3 {
		rcfg.GitRepo = os.Args[3]
	}
	if len(os.Args) > 4 {
		rcfg.GitBranch = os.Args[4]
	}

	res, err := agents.RunAgentStreaming(context.Background(), rcfg, sandbox.StreamCallbacks{
		OnStdout: func(data []byte) { os.Stdout.Write(data) },
		OnStderr: func(data []byte) { os.Stderr.Write(data) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !res.Success {
		os.Exit(res.ExitCode)
	}
}
