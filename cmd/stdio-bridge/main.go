package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/stdiobridge/core/logx"
	"github.com/gaspardpetit/stdiobridge/core/secret"
	"github.com/gaspardpetit/stdiobridge/internal/config"
	"github.com/gaspardpetit/stdiobridge/internal/metrics"
	"github.com/gaspardpetit/stdiobridge/internal/notify"
	"github.com/gaspardpetit/stdiobridge/internal/server"
	"github.com/gaspardpetit/stdiobridge/internal/stdiorpc"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Parse()
	if *showVersion {
		fmt.Printf("stdio-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	metrics.SetBuildInfo(version, buildSHA, buildDate)
	server.Version, server.BuildSHA, server.BuildDate = version, buildSHA, buildDate
	logx.Log.Info().Str("auth_token", secret.Mask(cfg.AuthToken)).Str("command", cfg.Command).Msg("configuration resolved")

	events := notify.NewBroadcaster()
	proc, err := stdiorpc.StartProcess(stdiorpc.ProcessConfig{
		Command:       cfg.Command,
		Args:          cfg.Args,
		Env:           cfg.SubprocessEnv(),
		AllowRelative: cfg.AllowRelativeCommand,
	}, stdiorpc.Options{
		Timeout:         cfg.RequestTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		OnUnsolicited:   func(msg json.RawMessage) { events.Publish(notify.Unsolicited(msg)) },
		OnStderr:        func(line string) { events.Publish(notify.Stderr(line)) },
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("start subprocess")
	}

	handler := server.New(proc, events, cfg)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logx.Log.Warn().Msg("termination requested")
		case <-proc.Done():
			// subprocess exit is fatal for the whole bridge
			logx.Log.Error().Err(proc.Err()).Msg("subprocess terminated")
		}
		cancel()
	}()
	go func() {
		<-ctx.Done()
		proc.Stop()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	logx.Log.Info().Int("port", cfg.Port).Msg("bridge starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
