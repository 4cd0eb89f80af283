package engine

import "time"

// Notification types.
const (
	NotifyBuy          = "trade_buy"
	NotifySell         = "trade_sell"
	NotifySaleSettled  = "sale_settled"
	NotifyMarketEvent  = "market_event"
	NotifyRoundAdvance = "round_advanced"
)

// Notification describes a committed state change. Prices and amounts are
// decimal strings.
type Notification struct {
	Type        string    `json:"type"`
	PlayerID    string    `json:"player_id,omitempty"`
	AssetID     string    `json:"asset_id,omitempty"`
	Quantity    int64     `json:"quantity,omitempty"`
	Price       string    `json:"price,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Round       int64     `json:"round,omitempty"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
}

// Notifier receives notifications after commit. Implementations must not
// block the caller.
type Notifier interface {
	Notify(n Notification)
}

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}
