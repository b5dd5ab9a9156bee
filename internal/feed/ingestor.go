// Package feed реализует приём событий о депозитах из websocket-фида биржи.
package feed

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/cryptopay-system/internal/model"
)

const (
	depositChannel = "deposit-info"

	pingInterval   = 10 * time.Second
	writeTimeout   = 5 * time.Second
	maxBackoff     = 30 * time.Second
	stableConnTime = time.Minute
)

// DepositStore описывает контракт записи депозитов, используемый инжестором.
type DepositStore interface {
	UpsertDeposit(ctx context.Context, d model.Deposit) error
}

// Credentials содержит ключи для аутентификации на фиде биржи.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// Ingestor поддерживает долгоживущее websocket-соединение с фидом депозитов
// и записывает каждое валидное событие в хранилище.
type Ingestor struct {
	url    string
	creds  Credentials
	store  DepositStore
	logger *zap.Logger
}

// NewIngestor создаёт инжестор фида депозитов.
func NewIngestor(url string, creds Credentials, store DepositStore, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		url:    url,
		creds:  creds,
		store:  store,
		logger: logger,
	}
}

// Run блокируется, удерживая соединение с фидом до отмены контекста.
// Разрыв соединения приводит к переподключению с нарастающей задержкой.
func (i *Ingestor) Run(ctx context.Context) error {
	backoff := newBackoff()

	for {
		startedAt := time.Now()
		err := i.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		i.logger.Error("feed connection lost", zap.Error(err))

		// Долго прожившее соединение сбрасывает накопленную задержку.
		if time.Since(startedAt) > stableConnTime {
			backoff = newBackoff()
		}

		delay, _ := backoff.Next()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func newBackoff() retry.Backoff {
	return retry.WithCappedDuration(maxBackoff, retry.NewFibonacci(time.Second))
}

func (i *Ingestor) runConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, i.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	// Отмена контекста закрывает соединение и разблокирует чтение.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if i.creds.APIKey != "" {
		if err := i.login(conn); err != nil {
			return err
		}
	}

	if err := i.subscribe(conn); err != nil {
		return err
	}

	i.logger.Info("feed connection established", zap.String("channel", depositChannel))

	go i.pingLoop(conn, done)

	return i.readLoop(ctx, conn)
}

type opRequest struct {
	Op   string           `json:"op"`
	Args []map[string]any `json:"args"`
}

func (i *Ingestor) login(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)

	err := conn.WriteJSON(opRequest{
		Op: "login",
		Args: []map[string]any{{
			"apiKey":     i.creds.APIKey,
			"passphrase": i.creds.Passphrase,
			"timestamp":  ts,
			"sign":       sign(i.creds.SecretKey, ts),
		}},
	})
	if err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	return i.expectAck(conn, "login")
}

func (i *Ingestor) subscribe(conn *websocket.Conn) error {
	err := conn.WriteJSON(opRequest{
		Op: "subscribe",
		Args: []map[string]any{{
			"channel": depositChannel,
		}},
	})
	if err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	return i.expectAck(conn, "subscribe")
}

func (i *Ingestor) expectAck(conn *websocket.Conn, op string) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}

	if msg.Event == "error" {
		return fmt.Errorf("%s rejected: code=%s msg=%s", op, msg.Code, msg.Msg)
	}

	return nil
}

// sign вычисляет подпись запроса аутентификации: HMAC-SHA256 от
// timestamp+method+path, закодированный в base64.
func sign(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "GET" + "/users/self/verify"))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (i *Ingestor) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		}
	}
}

func (i *Ingestor) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read feed: %w", err)
		}

		i.handleMessage(ctx, raw)
	}
}

// handleMessage обрабатывает один кадр фида. Некорректное событие отбрасывается
// с записью в лог и не прерывает обработку остальных.
func (i *Ingestor) handleMessage(ctx context.Context, raw []byte) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		i.logger.Warn("malformed feed frame", zap.Error(err))
		return
	}

	if msg.Event == "error" {
		i.logger.Warn("feed error frame", zap.String("code", msg.Code), zap.String("msg", msg.Msg))
		return
	}

	for _, rawEvent := range msg.Data {
		d, err := parseDeposit(rawEvent)
		if err != nil {
			i.logger.Warn("malformed deposit event", zap.Error(err))
			continue
		}

		if err := i.store.UpsertDeposit(ctx, d); err != nil {
			i.logger.Error("upsert deposit failed",
				zap.Error(err),
				zap.String("txID", d.TxID),
			)
			continue
		}

		i.logger.Info("deposit observed",
			zap.String("txID", d.TxID),
			zap.String("currency", d.Currency),
			zap.String("state", string(d.State)),
		)
	}
}
