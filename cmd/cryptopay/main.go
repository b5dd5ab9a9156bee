// Package main запускает сервис криптоплатежей: HTTP-сервер, лента депозитов
// и фоновый отзыв истёкших подписок.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cryptopay-system/internal/config"
	"github.com/mmeshcher/cryptopay-system/internal/feed"
	"github.com/mmeshcher/cryptopay-system/internal/handler"
	"github.com/mmeshcher/cryptopay-system/internal/middleware"
	"github.com/mmeshcher/cryptopay-system/internal/model"
	"github.com/mmeshcher/cryptopay-system/internal/rates"
	"github.com/mmeshcher/cryptopay-system/internal/repository"
	"github.com/mmeshcher/cryptopay-system/internal/service"
	"github.com/mmeshcher/cryptopay-system/internal/telegram"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	rateClient := rates.NewClient(cfg.RateServiceAddress, cfg.RateAPIKey)
	telegramClient := telegram.NewClient(cfg.TelegramAPIAddress, cfg.TelegramToken, cfg.TelegramChannelID)

	svc := service.NewService(repo, rateClient, telegramClient, logger, service.Settings{
		Currencies:    currencies(cfg),
		Plans:         model.DefaultPlans,
		PaymentWindow: cfg.PaymentWindow,
		SweepInterval: cfg.SweepInterval,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.AdminToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск ленты депозитов, если адрес задан
	if cfg.FeedAddress != "" {
		ingestor := feed.NewIngestor(cfg.FeedAddress, feed.Credentials{
			APIKey:     cfg.FeedAPIKey,
			SecretKey:  cfg.FeedSecretKey,
			Passphrase: cfg.FeedPassphrase,
		}, repo, logger)

		g.Go(func() error {
			if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("feed ingestor: %w", err)
			}
			return nil
		})
	}

	// Запуск фонового отзыва истёкших подписок
	g.Go(func() error {
		svc.StartExpirySweeps(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cryptopay server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// currencies собирает конфигурацию поддерживаемых валют из параметров запуска.
func currencies(cfg *config.Config) map[string]model.CurrencyConfig {
	result := make(map[string]model.CurrencyConfig)

	if cfg.TONAddress != "" {
		result["TON"] = model.CurrencyConfig{
			Symbol:  "TON",
			Address: cfg.TONAddress,
			Memo:    cfg.TONMemo,
		}
	}

	if cfg.LTCAddress != "" {
		result["LTC"] = model.CurrencyConfig{
			Symbol:          "LTC",
			Address:         cfg.LTCAddress,
			SettlementDelay: 30 * time.Minute,
		}
	}

	return result
}
