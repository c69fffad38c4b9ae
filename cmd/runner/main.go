package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/exchange"
	"grid-trader-go/exchange/venues"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/internal/engine"
	"grid-trader-go/metrics"
	"grid-trader-go/order"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	exchangeName := flag.String("exchange", "", "交易所标识，覆盖配置文件")
	ticker := flag.String("ticker", "", "交易标的，覆盖配置文件")
	flag.Parse()

	if err := run(*cfgPath, *exchangeName, *ticker); err != nil {
		fmt.Fprintf(os.Stderr, "runner: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, exchangeName, ticker string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if exchangeName != "" {
		cfg.Trading.Exchange = exchangeName
	}
	if ticker != "" {
		cfg.Trading.Ticker = ticker
	}

	// 凭证从 .env 进入环境变量，配置文件本身不携带任何密钥
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
		}
	}

	log, err := logger.NewTrading(cfg.Log, cfg.Trading.Exchange, cfg.Trading.Ticker)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	if cfg.Metrics.Enabled {
		metrics.StartMetricsServer(cfg.Metrics.Addr)
		log.Info("metrics server started", zap.String("addr", cfg.Metrics.Addr))
	}

	alerts := alert.NewManager([]alert.Channel{alert.NewLoggerChannel("log", log)}, cfg.Alert.Cooldown)
	if cfg.Alert.WebhookURL != "" {
		alerts.AddChannel(alert.NewWebhookChannel("webhook", cfg.Alert.WebhookURL, nil))
	}

	venues.RegisterAll()
	client, err := exchange.New(cfg.Trading.Exchange, exchange.Options{
		Ticker:    cfg.Trading.Ticker,
		Quantity:  cfg.Trading.Quantity,
		Direction: cfg.Trading.Direction,
		Log:       log,
	})
	if err != nil {
		return err
	}
	if err := client.ValidateConfig(); err != nil {
		return err
	}

	tracker := order.NewTracker(log, cfg.Retention)

	eng, err := engine.New(cfg.Trading, engine.Components{
		Client:  client,
		Tracker: tracker,
		Alerts:  alerts,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracker.Start(ctx)
	defer tracker.Stop()

	daemon.SdNotify(false, daemon.SdNotifyReady)
	defer daemon.SdNotify(false, daemon.SdNotifyStopping)

	start := time.Now()
	err = eng.Run(ctx)
	log.Info("engine exited", zap.Duration("uptime", time.Since(start)), zap.Error(err))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
