package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leavenote/leavenote/internal/config"
	"github.com/leavenote/leavenote/internal/dispatch"
	"github.com/leavenote/leavenote/internal/enroll"
	"github.com/leavenote/leavenote/internal/ledger"
	"github.com/leavenote/leavenote/internal/logging"
	"github.com/leavenote/leavenote/internal/metrics"
	"github.com/leavenote/leavenote/internal/pipeline"
	"github.com/leavenote/leavenote/internal/telegram"
)

func main() {
	cfgFile := flag.String("config", "", "Path to config file")
	groupID := flag.Int64("group-chat-id", 0, "Chat ID of the monitored group (negative number)")
	dedupWindow := flag.Duration("dedup-window", 0, "Retention window for the dedup ledger (overrides config)")
	flag.Parse()

	cfg := config.DefaultConfig()
	// load from file if provided (overrides defaults)
	if *cfgFile != "" {
		c, err := config.LoadConfigFromFile(*cfgFile)
		if err != nil {
			log.Fatalf("failed loading config: %v", err)
		}
		cfg = c
	}

	// apply env var overrides (overrides file/defaults)
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		log.Fatalf("invalid environment configuration: %v", err)
	}

	// CLI flags have highest precedence
	if *groupID != 0 {
		cfg.GroupChatID = *groupID
	}
	if *dedupWindow > 0 {
		cfg.DedupWindow = *dedupWindow
	}

	// initialize logging
	cleanup := initLogging()
	defer cleanup()

	if cfg.BotToken == "" {
		logging.Get().Fatal().Msg("bot token is required (set LEAVENOTE_BOT_TOKEN or BOT_TOKEN)")
	}
	if cfg.GroupChatID == 0 {
		logging.Get().Fatal().Msg("monitored group chat id is required (set LEAVENOTE_GROUP_CHAT_ID or GROUP_CHAT_ID)")
	}
	for _, w := range cfg.Validate() {
		logging.Get().Warn().Str("warning", w).Msg("config validation")
	}

	startHTTPServer(cfg)

	client := telegram.NewClient(cfg.BotToken, cfg.RequestTimeout, cfg.SendRate, cfg.SendBurst)
	botUsername := lookupBotUsername(client, cfg.RequestTimeout)

	led := ledger.New(cfg.DedupWindow, cfg.DedupMaxEntries)
	tracker := enroll.NewTracker(enroll.StateFilePath())
	metrics.SetEnrollments(tracker.Enrolled())
	disp := dispatch.New(client)
	pipe := pipeline.New(cfg, led, tracker, disp, client, botUsername)

	runAndWait(cfg, client, led, pipe)
}

// initLogging initializes log subsystem from env and returns a cleanup func
func initLogging() func() {
	logLevel := os.Getenv("LEAVENOTE_LOG_LEVEL")
	logFile := os.Getenv("LEAVENOTE_LOG_FILE")
	cleanup, err := logging.Init(logFile, logLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return cleanup
}

// startHTTPServer serves liveness endpoints, plus metrics when enabled, on
// one mux. The platform health checker probes / and /healthz.
func startHTTPServer(cfg *config.Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "leavenote is running! 🤖")
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "leavenote"})
	})
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", metrics.PromHandler())
		mux.Handle("/status", metrics.JSONHandler())
	}
	addr := fmt.Sprintf(":%d", cfg.Port)
	go func() {
		logging.Get().Info().Str("addr", addr).Msg("starting http server")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logging.Get().Error().Err(err).Msg("http server stopped")
		}
	}()
}

// lookupBotUsername fetches the bot's handle for the opt-in deep link. A
// failure degrades the invitation button to a callback button, nothing more.
func lookupBotUsername(client *telegram.Client, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	me, err := client.GetMe(ctx)
	if err != nil {
		logging.Get().Warn().Err(err).Msg("getMe failed; opt-in button will use a callback instead of a deep link")
		return ""
	}
	logging.Get().Info().Str("bot", me.Username).Msg("authenticated with Telegram")
	return me.Username
}

// runAndWait starts the poll loop plus the ledger sweeper and blocks until a
// shutdown signal, then drains in-flight handlers with a deadline.
func runAndWait(cfg *config.Config, client *telegram.Client, led *ledger.Ledger, pipe *pipeline.Pipeline) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweepDone := make(chan struct{})
	go led.RunSweeper(sweepDone)

	poller := &telegram.Poller{Client: client, Timeout: cfg.PollTimeout, Handle: pipe.Bind(ctx)}
	go poller.Run(ctx)

	logging.Get().Info().
		Int64("group", cfg.GroupChatID).
		Dur("dedup_window", cfg.DedupWindow).
		Msg("leavenote started; watching for departures")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Graceful shutdown: abandon the poll, give in-flight dispatches a few
	// seconds to finish. At-most-once delivery makes abandonment safe.
	logging.Get().Info().Msg("shutdown signal received, draining in-flight work")
	cancel()
	close(sweepDone)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := pipe.Wait(drainCtx); err != nil {
		logging.Get().Warn().Msg("shutdown timeout exceeded, some dispatches may be incomplete")
	}
}
