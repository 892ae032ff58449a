// Package events publishes memory lifecycle notifications over NATS.
//
// Two kinds of event are emitted, each on its own subject:
//
//	<prefix>.consolidated   a short-term batch was moved into long-term memory
//	<prefix>.deleted        an owner's data was bulk deleted
//
// Payloads are JSON-encoded Event values. The owner travels in the payload
// rather than the subject because owner ids may contain '.'.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "memoryd"

var (
	ErrInvalidPrefix = errors.New("invalid subject prefix")
	ErrClosed        = errors.New("publisher closed")
)

// Kind names an event type.
type Kind string

const (
	KindConsolidated Kind = "consolidated"
	KindDeleted      Kind = "deleted"
)

// Event is the payload of every published message.
type Event struct {
	Kind  Kind      `json:"kind"`
	Owner string    `json:"owner"`
	Time  time.Time `json:"time"`

	// Consolidation fields.
	Messages int      `json:"messages,omitempty"`
	Added    []string `json:"added,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Deletion fields.
	Status string   `json:"status,omitempty"`
	Failed []string `json:"failed,omitempty"`

	Error string `json:"error,omitempty"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Subject returns the subject events of kind are published on.
func Subject(prefix string, kind Kind) string {
	return prefix + "." + string(kind)
}

func validatePrefix(prefix string) error {
	if prefix == "" || strings.ContainsAny(prefix, " \t\r\n*>") ||
		strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	return nil
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("memoryd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url), zap.String("prefix", prefix))
	return &NATSPublisher{nc: nc, prefix: prefix, owned: true, logger: logger}, nil
}

// NewNATSPublisher wraps an existing connection. Close does not close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("events: nats connection cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish encodes ev and sends it. A zero Time is set to now.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc.IsClosed() {
		return ErrClosed
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	subject := Subject(p.prefix, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	p.logger.Debug("published event", zap.String("subject", subject), zap.String("owner", ev.Owner))
	return nil
}

// Close drains the connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// Subscribe delivers every event under prefix to fn until the returned
// subscription is unsubscribed. Undecodable messages are logged and dropped.
func Subscribe(nc *nats.Conn, prefix string, logger *zap.Logger, fn func(Event)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return nc.Subscribe(prefix+".*", func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warn("dropping malformed event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
)
