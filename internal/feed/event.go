package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cryptopay-system/internal/model"
)

// feedMessage описывает кадр фида: либо служебный ответ (event),
// либо пакет событий о депозитах (data).
type feedMessage struct {
	Event string            `json:"event"`
	Code  string            `json:"code"`
	Msg   string            `json:"msg"`
	Data  []json.RawMessage `json:"data"`
}

// flexString принимает значение, которое фид может прислать
// как JSON-строкой, так и числом.
type flexString string

func (n *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = flexString(s)
		return nil
	}
	*n = flexString(b)
	return nil
}

type depositEvent struct {
	TxID     string     `json:"txId"`
	Amount   flexString `json:"amt"`
	State    flexString `json:"state"`
	TS       flexString `json:"ts"`
	Currency string     `json:"ccy"`
}

// Коды состояния депозита во внешнем фиде. Код 2 означает финализацию,
// коды 0 и 1 — промежуточные состояния; остальные коды отбрасываются.
const (
	stateCodeWaiting    = "0"
	stateCodeProcessing = "1"
	stateCodeCompleted  = "2"
)

// parseDeposit валидирует и нормализует сырое событие фида.
func parseDeposit(raw json.RawMessage) (model.Deposit, error) {
	var ev depositEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.Deposit{}, fmt.Errorf("unmarshal event: %w", err)
	}

	if strings.TrimSpace(ev.TxID) == "" {
		return model.Deposit{}, errors.New("empty txId")
	}

	amount, err := decimal.NewFromString(string(ev.Amount))
	if err != nil {
		return model.Deposit{}, fmt.Errorf("parse amount %q: %w", ev.Amount, err)
	}
	if amount.IsNegative() {
		return model.Deposit{}, fmt.Errorf("negative amount %s", amount)
	}

	var state model.DepositState
	switch string(ev.State) {
	case stateCodeWaiting, stateCodeProcessing:
		state = model.DepositStatePending
	case stateCodeCompleted:
		state = model.DepositStateCompleted
	default:
		return model.Deposit{}, fmt.Errorf("unknown state code %q", ev.State)
	}

	millis, err := strconv.ParseFloat(string(ev.TS), 64)
	if err != nil {
		return model.Deposit{}, fmt.Errorf("parse timestamp %q: %w", ev.TS, err)
	}

	return model.Deposit{
		TxID:       ev.TxID,
		Amount:     amount,
		Currency:   ev.Currency,
		State:      state,
		ObservedAt: time.UnixMilli(int64(millis)).UTC(),
	}, nil
}
