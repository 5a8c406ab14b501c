// Glasswatch — dashboard status monitor daemon.
// Watches a status dashboard through an external capture command and
// alerts recipients when a service's indicator changes color.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/glasswatch/internal/auditlog"
	"github.com/marcus-qen/glasswatch/internal/config"
	"github.com/marcus-qen/glasswatch/internal/metrics"
	"github.com/marcus-qen/glasswatch/internal/monitor"
	"github.com/marcus-qen/glasswatch/internal/notify"
	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
	"github.com/marcus-qen/glasswatch/internal/status"
	"github.com/marcus-qen/glasswatch/internal/telemetry"
	"github.com/marcus-qen/glasswatch/internal/track"
)

var (
	version string
	commit  string
	date    string
)

func init() {
	if version == "" {
		version = "dev"
	}
	if commit == "" {
		commit = "unknown"
	}
	if date == "" {
		date = buildTimestamp()
	}
}

func buildTimestamp() string {
	exePath, err := os.Executable()
	if err == nil {
		if info, statErr := os.Stat(exePath); statErr == nil {
			return info.ModTime().UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "check":
		err = cmdCheck(ctx, os.Args[2:])
	case "version":
		fmt.Printf("glasswatch %s (commit: %s, built: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: glasswatch <command>

Commands:
  run      Start the monitor daemon
  check    Run a single capture and print observed statuses (no alerts)
  version  Print version information
  help     Show this help

Global flags:
  --config <path>   Config file (default glasswatch.yaml, env GLASSWATCH_CONFIG)`)
}

// parseConfigPath extracts --config from args.
func parseConfigPath(args []string) string {
	path := ""
	for i := 0; i < len(args); i++ {
		if (args[i] == "--config" || args[i] == "-c") && i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}
	if path == "" {
		path = strings.TrimSpace(os.Getenv("GLASSWATCH_CONFIG"))
	}
	if path == "" {
		if _, err := os.Stat("glasswatch.yaml"); err == nil {
			path = "glasswatch.yaml"
		}
	}
	return path
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func cmdRun(ctx context.Context, args []string) error {
	cfg, err := config.Load(parseConfigPath(args))
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	source := observe.NewCommandSource(cfg.SourceCommand, cfg.SourceTimeout, logger)
	table := plan.NewTable(cfg.PlanPath, logger)
	tracker := track.NewTracker(cfg.ConfirmThreshold, logger)

	var email, whatsapp, groups notify.Channel
	if cfg.SMTP.Host != "" {
		email = notify.NewEmailChannel(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From,
			cfg.SMTP.Username, cfg.SMTP.Password)
	}
	if cfg.WhatsApp.GatewayURL != "" {
		whatsapp = notify.NewWhatsAppChannel(cfg.WhatsApp.GatewayURL, cfg.WhatsApp.Token)
		groups = notify.NewWhatsAppGroupChannel(cfg.WhatsApp.GatewayURL, cfg.WhatsApp.Token)
	}
	dispatcher := notify.NewDispatcher(email, whatsapp, groups,
		notify.NewRateLimiter(cfg.AlertsPerHour),
		notify.Options{NotifyOnRecover: cfg.NotifyOnRecover},
		zapr.NewLogger(logger.Named("notify")),
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := auditlog.NewStore(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	audit, err := auditlog.NewLogger(cfg.LogDir, store, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	if cfg.Retention > 0 {
		retention, err := auditlog.NewRetention(audit, store, cfg.RetentionSchedule, cfg.Retention, logger)
		if err != nil {
			return err
		}
		retention.Start(ctx)
		defer retention.Stop()
	}

	m := metrics.New()
	loop := monitor.New(source, table, tracker, dispatcher, audit, m, cfg.Interval, logger)

	statusSrv := status.NewServer(loop, tracker, store, m.Handler())
	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: statusSrv.Handler()}
	go func() {
		logger.Info("status endpoint listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status endpoint failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	return loop.Run(ctx)
}

// cmdCheck runs one capture and prints the parsed observations without
// touching tracked state or sending anything.
func cmdCheck(ctx context.Context, args []string) error {
	cfg, err := config.Load(parseConfigPath(args))
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	source := observe.NewCommandSource(cfg.SourceCommand, cfg.SourceTimeout, logger)
	table := plan.NewTable(cfg.PlanPath, logger)

	observations, err := source.Poll(ctx)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}

	type result struct {
		Label      string             `json:"label"`
		Service    plan.Identity      `json:"service"`
		Status     observe.ColorState `json:"status"`
		Recipients bool               `json:"recipients_configured"`
		Fallback   bool               `json:"default_fallback,omitempty"`
	}

	results := make([]result, 0, len(observations))
	for _, obs := range observations {
		identity, err := plan.ResolveIdentity(obs.RawLabel)
		if err != nil {
			continue
		}
		p := table.PlanFor(identity, obs.RawLabel)
		results = append(results, result{
			Label:      obs.RawLabel,
			Service:    identity,
			Status:     obs.Color,
			Recipients: p.HasRecipients(),
			Fallback:   p.IsDefaultFallback,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
