// Package publish forwards engine notifications to NATS so other services
// can follow trades, settlements and rounds.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tradegame/market-engine/internal/engine"
)

// DefaultSubjectPrefix is prepended to every notification type.
const DefaultSubjectPrefix = "game.events"

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// ConnectNATS dials NATS and keeps reconnecting forever.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("market-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSPublisher implements engine.Notifier. Subjects follow the pattern
// {prefix}.{type}, e.g. game.events.trade_buy.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher. An empty prefix selects
// DefaultSubjectPrefix.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject a notification type is published on.
func (p *NATSPublisher) Subject(typ string) string {
	return p.prefix + "." + typ
}

// Notify publishes n. Failures are logged: the state change it describes is
// already committed.
func (p *NATSPublisher) Notify(n engine.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Warn("marshal notification failed", "type", n.Type, "err", err)
		return
	}
	if err := p.conn.Publish(p.Subject(n.Type), data); err != nil {
		p.logger.Warn("nats publish failed", "type", n.Type, "err", err)
	}
}
