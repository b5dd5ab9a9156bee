// Package service реализует бизнес-логику сверки депозитов с платёжными
// намерениями и выдачи подписок.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptopay-system/internal/model"
	"github.com/mmeshcher/cryptopay-system/internal/validation"
)

// ErrInvalidHash возвращается при некорректном формате хэша транзакции.
var (
	ErrInvalidHash = errors.New("invalid transaction hash format")
	// ErrDepositPending возвращается, если транзакция ещё не финализирована биржей.
	ErrDepositPending = errors.New("transaction is still processing")
	// ErrCurrencyMismatch возвращается при несовпадении валюты депозита и намерения.
	ErrCurrencyMismatch = errors.New("deposit currency does not match payment intent")
	// ErrWindowExpired возвращается, если окно оплаты уже закрылось.
	ErrWindowExpired = errors.New("payment window has expired")
	// ErrInsufficientAmount возвращается, если депозит меньше требуемой суммы.
	ErrInsufficientAmount = errors.New("deposit amount is insufficient")
	// ErrUnknownPlan возвращается, если фиатная сумма не соответствует ни одному тарифу.
	ErrUnknownPlan = errors.New("unknown subscription plan")
	// ErrUnsupportedCurrency возвращается при попытке оплаты в неподдерживаемой валюте.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetDepositByTxID(ctx context.Context, txID string) (*model.Deposit, error)
	ClaimDeposit(ctx context.Context, txID string, userID int64) error
	CreateIntent(ctx context.Context, intent model.PaymentIntent) (int64, error)
	GetLatestIntentByUser(ctx context.Context, userID int64) (*model.PaymentIntent, error)
	LinkIntentHash(ctx context.Context, intentID int64, txHash string) error
	CompleteIntent(ctx context.Context, intentID int64) error
	DeleteLatestPendingIntent(ctx context.Context, userID int64) error
	GrantEntitlement(ctx context.Context, userID int64, duration time.Duration) (*model.Entitlement, error)
	GetEntitlement(ctx context.Context, userID int64) (*model.Entitlement, error)
	GetExpiredEntitlements(ctx context.Context) ([]model.Entitlement, error)
	DeleteEntitlement(ctx context.Context, userID int64) error
}

// RateProvider описывает контракт получения курса криптовалюты.
type RateProvider interface {
	GetRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// AccessController описывает контракт выдачи и отзыва доступа к каналу.
type AccessController interface {
	GrantAccess(ctx context.Context, userID int64) (string, error)
	RevokeAccess(ctx context.Context, userID int64) error
}

// Settings содержит доменные параметры сервиса.
type Settings struct {
	Currencies    map[string]model.CurrencyConfig
	Plans         []model.Plan
	PaymentWindow time.Duration
	SweepInterval time.Duration
}

// Service содержит бизнес-логику сервиса криптоплатежей.
type Service struct {
	repo     Repository
	rates    RateProvider
	access   AccessController
	logger   *zap.Logger
	settings Settings
}

// NewService создаёт новый сервис с указанными зависимостями.
func NewService(repo Repository, rates RateProvider, access AccessController, logger *zap.Logger, settings Settings) *Service {
	if settings.PaymentWindow <= 0 {
		settings.PaymentWindow = 45 * time.Minute
	}
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = 6 * time.Hour
	}
	if len(settings.Plans) == 0 {
		settings.Plans = model.DefaultPlans
	}

	return &Service{
		repo:     repo,
		rates:    rates,
		access:   access,
		logger:   logger,
		settings: settings,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// PaymentDetails содержит данные для совершения платежа по созданному намерению.
type PaymentDetails struct {
	Intent          model.PaymentIntent
	Address         string
	Memo            string
	SettlementDelay time.Duration
}

// CreateIntent создаёт платёжное намерение: запрашивает текущий курс, фиксирует
// его вместе с требуемой суммой в криптовалюте и открывает окно оплаты.
// Ранее созданные намерения пользователя при этом не отменяются.
func (s *Service) CreateIntent(ctx context.Context, userID int64, fiatAmount decimal.Decimal, currency string) (*PaymentDetails, error) {
	plan, ok := s.planByFiatAmount(fiatAmount)
	if !ok {
		return nil, ErrUnknownPlan
	}

	cfg, ok := s.settings.Currencies[currency]
	if !ok {
		return nil, ErrUnsupportedCurrency
	}

	rate, err := s.rates.GetRate(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("get rate for %s: %w", cfg.Symbol, err)
	}

	intent := model.PaymentIntent{
		UserID:         userID,
		FiatAmount:     plan.FiatAmount,
		LockedRate:     rate,
		RequiredAmount: plan.FiatAmount.Div(rate),
		Currency:       cfg.Symbol,
		WindowEnd:      time.Now().UTC().Add(s.settings.PaymentWindow),
		Status:         model.IntentStatusPending,
	}

	id, err := s.repo.CreateIntent(ctx, intent)
	if err != nil {
		return nil, err
	}
	intent.ID = id

	return &PaymentDetails{
		Intent:          intent,
		Address:         cfg.Address,
		Memo:            cfg.Memo,
		SettlementDelay: cfg.SettlementDelay,
	}, nil
}

// CancelIntent удаляет последнее незавершённое платёжное намерение пользователя.
// Записи о депозитах при этом не затрагиваются.
func (s *Service) CancelIntent(ctx context.Context, userID int64) error {
	return s.repo.DeleteLatestPendingIntent(ctx, userID)
}

// ReconcileResult содержит итог успешной сверки.
type ReconcileResult struct {
	Entitlement model.Entitlement
	// InviteLink пустая, если выдача ссылки не удалась: оплата при этом
	// считается принятой, доступ выдаётся повторной попыткой вне сверки.
	InviteLink string
}

// Reconcile сопоставляет указанный пользователем хэш транзакции с депозитом
// и его последним платёжным намерением. Каждый терминальный исход различим
// по возвращаемой ошибке. Привязка депозита к пользователю атомарна: из двух
// конкурентных попыток с одним хэшем успешной будет ровно одна, проигравшая
// получает repository.ErrDepositAlreadyClaimed.
func (s *Service) Reconcile(ctx context.Context, userID int64, txHash string) (*ReconcileResult, error) {
	txHash = strings.TrimSpace(txHash)
	if !validation.IsValidTransactionHash(txHash) {
		return nil, ErrInvalidHash
	}

	deposit, err := s.repo.GetDepositByTxID(ctx, txHash)
	if err != nil {
		return nil, err
	}

	if deposit.State != model.DepositStateCompleted {
		// Депозит ещё в обработке: ничего не меняем, пользователь может
		// повторить попытку с тем же хэшем позже.
		return nil, ErrDepositPending
	}

	if err := s.repo.ClaimDeposit(ctx, txHash, userID); err != nil {
		return nil, err
	}

	// Привязка уже состоялась и не откатывается: использованный хэш остаётся
	// использованным независимо от дальнейших проверок.
	intent, err := s.repo.GetLatestIntentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.LinkIntentHash(ctx, intent.ID, txHash); err != nil {
		return nil, err
	}

	if intent.Currency != deposit.Currency {
		return nil, fmt.Errorf("%w: expected %s, received %s", ErrCurrencyMismatch, intent.Currency, deposit.Currency)
	}

	if time.Now().UTC().After(intent.WindowEnd) {
		return nil, ErrWindowExpired
	}

	if deposit.Amount.LessThan(intent.RequiredAmount) {
		return nil, fmt.Errorf("%w: required %s %s, received %s", ErrInsufficientAmount,
			intent.RequiredAmount, intent.Currency, deposit.Amount)
	}

	plan, ok := s.planByFiatAmount(intent.FiatAmount)
	if !ok {
		return nil, fmt.Errorf("%w: fiat amount %s", ErrUnknownPlan, intent.FiatAmount)
	}

	if err := s.repo.CompleteIntent(ctx, intent.ID); err != nil {
		return nil, err
	}

	entitlement, err := s.repo.GrantEntitlement(ctx, userID, plan.Duration)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Entitlement: *entitlement}

	// Финансовое состояние уже зафиксировано: неудачная выдача ссылки
	// логируется и повторяется вне сверки, но не откатывает оплату.
	link, err := s.access.GrantAccess(ctx, userID)
	if err != nil {
		s.logger.Error("access grant failed after commit",
			zap.Error(err),
			zap.Int64("userID", userID),
			zap.String("txHash", txHash),
		)
	}
	result.InviteLink = link

	return result, nil
}

// Subscription возвращает активную подписку пользователя.
func (s *Service) Subscription(ctx context.Context, userID int64) (*model.Entitlement, error) {
	return s.repo.GetEntitlement(ctx, userID)
}

// GrantSubscription выдаёт пользователю подписку на указанное число месяцев
// административным путём, минуя сверку депозитов.
func (s *Service) GrantSubscription(ctx context.Context, userID int64, months int) (*model.Entitlement, string, error) {
	if months <= 0 {
		return nil, "", fmt.Errorf("months must be positive")
	}

	entitlement, err := s.repo.GrantEntitlement(ctx, userID, time.Duration(months)*30*24*time.Hour)
	if err != nil {
		return nil, "", err
	}

	link, err := s.access.GrantAccess(ctx, userID)
	if err != nil {
		s.logger.Error("access grant failed after admin grant",
			zap.Error(err),
			zap.Int64("userID", userID),
		)
	}

	return entitlement, link, nil
}

// RevokeSubscription удаляет подписку пользователя и отзывает доступ к каналу.
func (s *Service) RevokeSubscription(ctx context.Context, userID int64) error {
	if err := s.repo.DeleteEntitlement(ctx, userID); err != nil {
		return err
	}

	if err := s.access.RevokeAccess(ctx, userID); err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}

	return nil
}

func (s *Service) planByFiatAmount(fiatAmount decimal.Decimal) (model.Plan, bool) {
	for _, plan := range s.settings.Plans {
		if plan.FiatAmount.Equal(fiatAmount) {
			return plan, true
		}
	}
	return model.Plan{}, false
}

// StartExpirySweeps запускает фоновый процесс отзыва истёкших подписок.
func (s *Service) StartExpirySweeps(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.settings.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepExpired(ctx)
			}
		}
	}()
}

// sweepExpired отзывает доступ у всех пользователей с истёкшей подпиской.
// Каждая подписка обрабатывается независимо: неудачный отзыв логируется,
// запись остаётся до следующего прохода, остальные пользователи не блокируются.
func (s *Service) sweepExpired(ctx context.Context) {
	expired, err := s.repo.GetExpiredEntitlements(ctx)
	if err != nil {
		s.logger.Error("select expired entitlements failed", zap.Error(err))
		return
	}

	for _, ent := range expired {
		if err := s.access.RevokeAccess(ctx, ent.UserID); err != nil {
			s.logger.Error("revoke access failed",
				zap.Error(err),
				zap.Int64("userID", ent.UserID),
			)
			continue
		}

		if err := s.repo.DeleteEntitlement(ctx, ent.UserID); err != nil {
			s.logger.Error("delete entitlement failed",
				zap.Error(err),
				zap.Int64("userID", ent.UserID),
			)
			continue
		}

		s.logger.Info("expired subscription revoked", zap.Int64("userID", ent.UserID))
	}
}
