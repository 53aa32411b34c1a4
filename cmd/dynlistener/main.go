package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dynlistener"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "cmd/dynlistener/config.toml", "path to configuration file (.toml, .yaml)")
	address := pflag.StringP("listen", "l", "", "override the listen address of the configuration")
	workers := pflag.IntP("workers", "w", 0, "override the number of workers")
	pflag.Parse()

	config, err := dynlistener.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't load configuration: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		config.Listener.Address = *address
	}
	if *workers > 0 {
		config.Listener.Workers = *workers
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger, err := dynlistener.NewLogger(config.Global.LogLevel, config.Global.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't create logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(config, logger); err != nil {
		logger.Error().Msgf("listener failed: %+v", err)
		os.Exit(1)
	}
}

func run(config *dynlistener.Config, logger zerolog.Logger) error {
	if config.Global.MaxOpenFiles > 0 {
		if _, err := dynlistener.RaiseFileLimit(config.Global.MaxOpenFiles, logger); err != nil {
			logger.Error().Msgf("error occur while raising OS limit of open files: %+v", err)
		}
	}

	handlers, closeService, err := newHandlers(config.Service)
	if err != nil {
		return err
	}
	defer closeService()

	var opts []dynlistener.Option
	var stapler *dynlistener.OCSPStapler
	if config.TLS.Enabled {
		tlsConfig, s, err := dynlistener.LoadTLSConfig(config.TLS, logger)
		if err != nil {
			return err
		}
		if s != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.Refresh(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("initial ocsp staple: %w", err)
			}
			stapler = s
		}
		opts = append(opts, dynlistener.WithTransport(dynlistener.TLSTransport(
			tlsConfig, config.Listener.HandshakeTimeout(), config.Listener.SendTimeout())))
	}

	listener, err := dynlistener.New(config.Listener, handlers, logger, opts...)
	if err != nil {
		return err
	}
	timer := dynlistener.NewTimer(listener, config.Listener.HousekeepingInterval(), logger)
	if stapler != nil {
		timer.AddTask("ocsp-staple", stapler.RefreshIfDue)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := listener.Start(); err != nil {
		return err
	}
	timer.Start()
	logger.Info().Msgf("serving %s on %s", config.Service.Kind, listener.Addr())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-listener.Done()
		return listener.Err()
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		timer.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*config.Listener.ShutdownTimeout())
		defer cancel()
		return listener.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newHandlers(config dynlistener.ServiceConfig) (dynlistener.HandlerFactory, func(), error) {
	switch config.Kind {
	case "cache":
		cache, err := dynlistener.NewCacheService(config.CacheMaxCost, config.CacheNumCounters, config.CacheShards)
		if err != nil {
			return nil, nil, err
		}
		return dynlistener.NewLineHandlerFactory(cache, config.MaxLineLength), cache.Close, nil
	default:
		return dynlistener.NewLineHandlerFactory(dynlistener.EchoService{}, config.MaxLineLength), func() {}, nil
	}
}
