package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vocalisai/voice-session/internal/config"
	"github.com/vocalisai/voice-session/internal/history"
	"github.com/vocalisai/voice-session/internal/observability"
	"github.com/vocalisai/voice-session/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("backend", cfg.BackendWSURL).
		Str("log_level", cfg.LogLevel).
		Msg("Voice session client starting")

	hist := history.NewLog()
	renderer := history.NewRenderer(hist, os.Stdout)

	manager := session.NewManager(cfg)
	dispatcher := session.NewDispatcher(manager, hist, cfg)
	coordinator := session.NewCoordinator(manager, dispatcher, hist, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	rendererDone := make(chan struct{})
	go func() {
		defer close(rendererDone)
		renderer.Run(ctx)
	}()

	go serveOps(cfg, logger)

	repl(ctx, coordinator)

	// Stop the dispatcher and wait it out before closing the socket, so
	// nothing reads a closing connection
	stop()
	select {
	case <-dispatcherDone:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Dispatcher did not stop in time")
	}
	manager.Close()
	hist.Close()
	<-rendererDone

	logger.Info().Msg("Client exited")
}

// repl reads user input line by line and submits turns until EOF or
// cancellation. Lines starting with /audio submit the named file as an
// audio turn.
func repl(ctx context.Context, coordinator *session.Coordinator) {
	fmt.Println("Type a message and press enter. /audio <path> [supplement] sends audio, /quit exits.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case strings.HasPrefix(line, "/audio "):
				submitAudio(ctx, coordinator, strings.TrimPrefix(line, "/audio "))
			default:
				if _, err := coordinator.SubmitText(ctx, line); err != nil {
					fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
				}
			}
		}
	}
}

func submitAudio(ctx context.Context, coordinator *session.Coordinator, args string) {
	path := args
	supplement := ""
	if i := strings.IndexByte(args, ' '); i > 0 {
		path, supplement = args[:i], strings.TrimSpace(args[i+1:])
	}

	audio, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot read %s: %v\n", path, err)
		return
	}
	if _, err := coordinator.SubmitAudio(ctx, audio, supplement); err != nil {
		fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
	}
}

// serveOps exposes health, readiness, and metrics for the client process
func serveOps(cfg *config.Config, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler("voice-session-client"))

	backendCheck := func(ctx context.Context) (bool, error) {
		dialer := *websocket.DefaultDialer
		dialer.HandshakeTimeout = 3 * time.Second
		conn, _, err := dialer.DialContext(ctx, cfg.BackendWSURL, nil)
		if err != nil {
			return false, err
		}
		conn.Close()
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler("voice-session-client", map[string]observability.HealthCheckFunc{
		"backend": backendCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info().Str("addr", addr).Msg("Ops endpoints listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Ops server stopped")
	}
}
