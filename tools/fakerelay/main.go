// Package main implements fakerelay — a deterministic topic relay for
// integration and load testing of relay transport clients. It fans published
// envelopes out to topic subscribers, caches envelopes for topics with no
// subscriber until one arrives, and exposes Prometheus metrics plus a drop
// endpoint for abnormal-close testing.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

type options struct {
	Addr         string  `toml:"addr"`
	CacheDepth   int     `toml:"cache_depth"`
	PublishRPS   float64 `toml:"publish_rps"`
	PublishBurst int     `toml:"publish_burst"`
	Debug        bool    `toml:"debug"`
}

func defaultOptions() options {
	return options{
		Addr:       "127.0.0.1:19100",
		CacheDepth: 64,
	}
}

var (
	flagAddr   = flag.String("addr", "127.0.0.1:19100", "listen address")
	flagCache  = flag.Int("cache-depth", 64, "per-topic cache for envelopes with no subscriber (0 disables)")
	flagRPS    = flag.Float64("publish-rps", 0, "per-connection publish rate limit (0 disables)")
	flagBurst  = flag.Int("publish-burst", 8, "rate limiter burst size")
	flagDebug  = flag.Bool("debug", false, "enable debug logging")
	flagConfig = flag.String("config", "", "optional TOML config file")
)

// resolveOptions layers defaults, the optional config file, and explicitly
// set flags, in that order.
func resolveOptions() (options, error) {
	opts := defaultOptions()

	if *flagConfig != "" {
		if _, err := toml.DecodeFile(*flagConfig, &opts); err != nil {
			return opts, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			opts.Addr = *flagAddr
		case "cache-depth":
			opts.CacheDepth = *flagCache
		case "publish-rps":
			opts.PublishRPS = *flagRPS
		case "publish-burst":
			opts.PublishBurst = *flagBurst
		case "debug":
			opts.Debug = *flagDebug
		}
	})

	return opts, nil
}

func main() {
	flag.Parse()

	opts, err := resolveOptions()
	if err != nil {
		fatalLog := zerolog.New(os.Stderr)
		fatalLog.Fatal().Err(err).Msg("invalid configuration")
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "fakerelay").Logger()

	srv := newServer(opts, log)
	httpServer := &http.Server{Addr: opts.Addr, Handler: srv.handler()}

	go func() {
		log.Info().Str("addr", opts.Addr).Int("cache_depth", opts.CacheDepth).Msg("listening")
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Fatal().Err(serveErr).Msg("serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}
