package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"optionlevels/config"
	"optionlevels/internal/api"
	"optionlevels/internal/channel"
	"optionlevels/internal/metrics"
	"optionlevels/internal/processor"
	"optionlevels/internal/reader/bybit"
	"optionlevels/internal/reader/deribit"
	"optionlevels/internal/reader/thales"
	"optionlevels/internal/reader/transport"
	"optionlevels/internal/writer"
	"optionlevels/logger"
)

// starter is the lifecycle shared by readers, the processor and the
// dispatcher.
type starter interface {
	Start(ctx context.Context) error
}

func breakerCheck(c *transport.Client) api.Check {
	return func() error {
		if c.State() == gobreaker.StateOpen {
			return fmt.Errorf("circuit breaker open")
		}
		return nil
	}
}

func main() {
	log := logger.GetLogger()

	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if len(cfg.Logging.Fields) > 0 {
		log.AddHook(logger.NewStaticFieldsHook(cfg.Logging.Fields))
	}
	metrics.Configure(cfg.Metrics)

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting optionlevels")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.IsProductionLike(config.AppEnvironment()) {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.App.Name, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.BookBuffer, cfg.Channels.RowBuffer)
	channels.StartMetricsReporting(ctx, 30*time.Second)
	metrics.StartChannelSizeMetrics(ctx, channels, 10*time.Second)

	rowStore := api.NewRowStore(cfg.API.History)
	server, err := api.NewServer(cfg.API, cfg.App.Version, rowStore, log)
	if err != nil {
		log.WithError(err).Error("failed to create api server")
		os.Exit(1)
	}

	var readers []starter
	var stoppers []func()

	if cfg.Source.Thales.Enabled {
		client := transport.New(thales.Provider, cfg.Reader)
		indexClient := transport.New("thales_index", cfg.Reader)
		ccy := strings.ToUpper(cfg.Source.Thales.Currency)

		rest := deribit.NewClient(cfg.Source.Thales.IndexURL, indexClient)
		var spot thales.SpotSource = deribit.RESTSpot{Client: rest, Currency: ccy}
		if cfg.Source.Deribit.IndexStream {
			stream := deribit.NewIndexStream(cfg.Source.Deribit.WSURL, ccy, rest)
			stream.Start(ctx)
			stoppers = append(stoppers, stream.Wait)
			spot = stream
		}

		r := thales.NewReader(cfg, client, spot, channels)
		readers = append(readers, r)
		stoppers = append(stoppers, r.Stop)
		server.AddCheck(thales.Provider, breakerCheck(client))
		server.AddCheck("thales_index", breakerCheck(indexClient))
	}

	if cfg.Source.Deribit.Enabled {
		client := transport.New(deribit.Provider, cfg.Reader)
		r := deribit.NewReader(cfg, client, channels)
		readers = append(readers, r)
		stoppers = append(stoppers, r.Stop)
		server.AddCheck(deribit.Provider, breakerCheck(client))
	}

	if cfg.Source.Bybit.Enabled {
		r := bybit.NewReader(cfg, channels)
		readers = append(readers, r)
		stoppers = append(stoppers, r.Stop)
	}

	if len(readers) == 0 {
		log.Error("no providers enabled; enable at least one of source.thales, source.deribit, source.bybit")
		os.Exit(1)
	}

	proc, err := processor.New(cfg, channels)
	if err != nil {
		log.WithError(err).Error("failed to create processor")
		os.Exit(1)
	}

	var extra []writer.Sink
	if server != nil {
		extra = append(extra, rowStore)
	}
	sinks, err := writer.FromConfig(ctx, cfg, extra...)
	if err != nil {
		log.WithError(err).Error("failed to create sinks")
		os.Exit(1)
	}
	dispatcher := writer.NewDispatcher(cfg, channels, sinks...)

	for _, c := range []starter{dispatcher, proc} {
		if err := c.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start pipeline")
			os.Exit(1)
		}
	}
	for _, r := range readers {
		if err := r.Start(ctx); err != nil {
			log.WithError(err).Warn("reader failed to start")
		}
	}

	var wg sync.WaitGroup
	if server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("api server stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping readers")
		for _, stop := range stoppers {
			stop()
		}
		channels.CloseBooks()

		log.Info("stopping processor")
		proc.Stop()
		channels.CloseRows()

		log.Info("stopping writer dispatcher")
		if err := dispatcher.Stop(); err != nil {
			log.WithError(err).Warn("failed to close sinks")
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("optionlevels stopped")
}
