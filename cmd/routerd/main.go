package main

import (
	"log/slog"
	"os"

	"github.com/routingcore/llmrouter/internal/accesslog"
	"github.com/routingcore/llmrouter/internal/classifier"
	"github.com/routingcore/llmrouter/internal/config"
	"github.com/routingcore/llmrouter/internal/engine"
	"github.com/routingcore/llmrouter/internal/events"
	"github.com/routingcore/llmrouter/internal/forwarder"
	"github.com/routingcore/llmrouter/internal/routerconfig"
	"github.com/routingcore/llmrouter/internal/selector"
	"github.com/routingcore/llmrouter/internal/server"
	"github.com/routingcore/llmrouter/internal/state"
	"github.com/routingcore/llmrouter/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("llmrouter starting", "version", version)

	routes, err := routerconfig.Load(cfg.RouterConfigInline, cfg.RouterConfigFile)
	if err != nil {
		slog.Error("router config load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("router config loaded", "aliases", len(routes.RouteTable.Aliases()))

	tun := state.Tunables{
		AuthCooldown:           cfg.AuthCooldown,
		ValidationCooldown:     cfg.ValidationCooldown,
		QuotaCooldown:          cfg.QuotaCooldown,
		TransientCooldown:      cfg.TransientCooldown,
		TransientHeavyCooldown: cfg.TransientHeavyCooldown,
		SignatureCooldown:      cfg.SignatureCooldown,
		StickyTTL:              cfg.StickyTTL,
		MaxStickyKeys:          cfg.MaxStickyKeys,
		MaxTargetRetries:       cfg.MaxTargetRetries,
		RetryAuthOn5xx:         cfg.RetryAuthOn5xx,
		ModelHealthTTL:         cfg.ModelHealthTTL,
	}
	store := state.New(tun)

	tm := transport.NewManager(cfg.RequestTimeout)
	defer tm.Close()

	sel := selector.New(store)
	fwd := forwarder.New(tm)
	access := accesslog.New(cfg.AccessLogDir, cfg.LogRetentionDays, cfg.LogVerbose)

	cooldowns := classifier.Cooldowns{
		Auth:           cfg.AuthCooldown,
		Validation:     cfg.ValidationCooldown,
		Quota:          cfg.QuotaCooldown,
		Transient:      cfg.TransientCooldown,
		TransientHeavy: cfg.TransientHeavyCooldown,
		Signature:      cfg.SignatureCooldown,
	}

	eng := engine.New(
		routes.RouteTable,
		routes.Router,
		routes.AutoUpgrade,
		store,
		sel,
		fwd,
		access,
		cooldowns,
		cfg.MaxTargetRetries,
		cfg.RetryAuthOn5xx,
		cfg.DefaultOriginURL,
		int64(cfg.MaxRequestBodyMB)*1024*1024,
	)

	srv := server.New(cfg, eng, store, access, logHandler, tm)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
