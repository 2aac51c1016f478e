package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"XUI-Telegram-bot/config"
	"XUI-Telegram-bot/internal/bot"
	"XUI-Telegram-bot/internal/db"
	"XUI-Telegram-bot/internal/httpapi"
	"XUI-Telegram-bot/internal/logger"
	"XUI-Telegram-bot/internal/panel"
	"XUI-Telegram-bot/internal/pricing"
	"XUI-Telegram-bot/internal/services"
	"XUI-Telegram-bot/internal/session"
	"XUI-Telegram-bot/internal/settlement"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if err := logger.InitLogger(logger.Config{
		Level:      cfg.LogLevel,
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
	}); err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer logger.Sync()

	if err := db.InitDB(cfg.DatabaseURL); err != nil {
		logger.Error("database init failed", zap.Error(err))
		os.Exit(1)
	}
	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("failed to create bot", zap.Error(err))
		os.Exit(1)
	}
	logger.InitNotifier(botapi, cfg.AdminIDs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	panelClient := panel.NewClient(panel.Config{
		BaseURL:       cfg.PanelURL,
		Username:      cfg.PanelUsername,
		Password:      cfg.PanelPassword,
		Insecure:      cfg.PanelInsecure,
		TokenTTL:      cfg.PanelTokenTTL,
		Timeout:       cfg.PanelTimeout,
		ServerDomain:  cfg.ServerDomain,
		InboundRemark: cfg.InboundRemark,
	})
	invoicer := pricing.NewInvoicer(
		pricing.NewOracle(cfg.OracleURL, cfg.OracleTimeout),
		map[string]string{"TRX": cfg.WalletTRX, "TON": cfg.WalletTON},
	)

	// Сессии в Redis переживают перезапуск, без Redis хранятся в памяти.
	var store session.Store
	var purger services.Purger
	if cfg.RedisAddr != "" {
		rdb, err := session.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Error("redis connect failed", zap.Error(err))
			os.Exit(1)
		}
		defer rdb.Close()
		store = session.NewRedisStore(rdb, cfg.SessionTTL)
	} else {
		mem := session.NewMemoryStore(cfg.SessionTTL)
		store, purger = mem, mem
	}

	coord := settlement.New(settlement.Deps{
		DB:       db.DB,
		Panel:    panelClient,
		Notifier: bot.NewMessenger(botapi),
		Quoter:   invoicer,
	})
	b := bot.New(bot.Deps{
		API:         botapi,
		DB:          db.DB,
		Machine:     session.NewMachine(store),
		Coordinator: coord,
		Config:      cfg,
		BotUsername: botapi.Self.UserName,
	})

	monitor := services.NewStatusMonitor(panelClient, nil)
	go monitor.Check(ctx)
	scheduler, err := services.StartScheduler(ctx, services.Jobs{
		Bot:         botapi,
		DB:          db.DB,
		Sessions:    purger,
		Limiter:     b.Limiter(),
		Monitor:     monitor,
		DatabaseURL: cfg.DatabaseURL,
		BackupDir:   cfg.BackupDir,
	})
	if err != nil {
		logger.Error("scheduler start failed", zap.Error(err))
		os.Exit(1)
	}
	defer scheduler.Stop()

	httpServer := httpapi.New(cfg.HTTPAddr, httpapi.Deps{DB: db.DB, Panel: monitor, Maintenance: b.InMaintenance})
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := botapi.GetUpdatesChan(u)
	logger.Info("bot authorized", zap.String("account", botapi.Self.UserName))
	go func() {
		<-ctx.Done()
		botapi.StopReceivingUpdates()
	}()
	b.Run(ctx, updates)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("bot stopped")
}
