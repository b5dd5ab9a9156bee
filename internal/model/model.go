// Package model содержит доменные сущности сервиса криптоплатежей.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositState описывает состояние депозита в жизненном цикле биржи.
// Состояние движется только вперёд: pending -> completed.
type DepositState string

const (
	DepositStatePending   DepositState = "pending"
	DepositStateCompleted DepositState = "completed"
)

// Deposit представляет наблюдаемое поступление криптовалюты из фида биржи.
type Deposit struct {
	TxID         string
	Amount       decimal.Decimal
	Currency     string
	State        DepositState
	ObservedAt   time.Time
	LinkedUserID *int64
}

// IntentStatus описывает статус платёжного намерения.
type IntentStatus string

const (
	IntentStatusPending   IntentStatus = "pending"
	IntentStatusCompleted IntentStatus = "completed"
)

// PaymentIntent описывает намерение пользователя оплатить подписку.
// Курс и требуемая сумма в криптовалюте фиксируются в момент создания
// и далее не пересчитываются.
type PaymentIntent struct {
	ID             int64
	UserID         int64
	FiatAmount     decimal.Decimal
	LockedRate     decimal.Decimal
	RequiredAmount decimal.Decimal
	Currency       string
	WindowEnd      time.Time
	TxHash         *string
	Status         IntentStatus
	CreatedAt      time.Time
}

// Entitlement описывает активное окно подписки пользователя.
type Entitlement struct {
	UserID   int64
	StartsAt time.Time
	EndsAt   time.Time
}

// Plan описывает тариф подписки: фиатная цена и длительность доступа.
type Plan struct {
	FiatAmount decimal.Decimal
	Duration   time.Duration
}

// DefaultPlans задаёт доступные тарифы подписки.
var DefaultPlans = []Plan{
	{FiatAmount: decimal.NewFromInt(6), Duration: 30 * 24 * time.Hour},
	{FiatAmount: decimal.NewFromInt(15), Duration: 90 * 24 * time.Hour},
}

// CurrencyConfig описывает параметры приёма платежей в конкретной криптовалюте.
// Memo пустое, если сеть не требует комментария к переводу.
type CurrencyConfig struct {
	Symbol          string
	Address         string
	Memo            string
	SettlementDelay time.Duration
}
