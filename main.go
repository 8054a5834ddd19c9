package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"smartfeed/bus"
	"smartfeed/config"
	"smartfeed/feed"
	"smartfeed/logger"
	"smartfeed/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	watchlistPath := flag.String("watchlist", "", "Path to startup watchlist file")

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

	log.WithFields(logger.Fields{
		"service":     cfg.Smartfeed.Name,
		"version":     cfg.Smartfeed.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting smartfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Report.Enabled {
		logger.InitCloudWatch(cfg.Report.Region, "", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, cfg.Report.Interval)
	} else if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	manager, err := feed.New(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create feed manager")
		os.Exit(1)
	}

	// Alerts flow through a buffered listener so a stalled log sink never
	// blocks the read loop.
	alertLog := log.WithComponent("alerts")
	alertSink := bus.NewBufferedListener("alert_log", cfg.Bus.ListenerBuffer, func(e models.Event) {
		alert, ok := e.(models.BigMoveAlert)
		if !ok {
			return
		}
		alertLog.WithFields(logger.Fields{
			"symbol": alert.Key,
			"score":  alert.Score,
			"level":  string(alert.Level),
			"ltp":    alert.LTP,
		}).Info("big move detected")
	})
	manager.Bus().Subscribe(alertSink.Enqueue)

	if err := manager.Connect(ctx); err != nil {
		if feed.IsFatal(err) {
			log.WithError(err).Error("feed connect failed permanently")
		} else {
			log.WithError(err).Error("feed connect failed")
		}
		os.Exit(1)
	}

	if *watchlistPath != "" {
		wl, err := config.LoadWatchlist(*watchlistPath)
		if err != nil {
			log.WithError(err).Error("failed to load watchlist")
			os.Exit(1)
		}
		for _, key := range wl.Instruments() {
			manager.Subscribe(key)
		}
		log.WithFields(logger.Fields{"instruments": len(wl.Instruments())}).Info("watchlist subscribed")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	manager.Shutdown()
	alertSink.Close()

	log.Info("smartfeed stopped")
}
