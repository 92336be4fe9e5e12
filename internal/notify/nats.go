package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSNotifier broadcasts statuses on a plain NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url string, timeout time.Duration, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return nc, nil
}

func NewNATS(conn *nats.Conn, subject string, log *slog.Logger) (*NATSNotifier, error) {
	subject = strings.TrimSpace(subject)
	if conn == nil || subject == "" {
		return nil, fmt.Errorf("%w: connection and subject are required", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &NATSNotifier{conn: conn, subject: subject, log: log}, nil
}

func (n *NATSNotifier) Publish(_ context.Context, s Status) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, b); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (n *NATSNotifier) Subscribe(ctx context.Context, fn func(Status)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil subscriber", ErrInvalidConfig)
	}
	sub, err := n.conn.Subscribe(n.subject, func(m *nats.Msg) {
		s, err := Decode(m.Data)
		if err != nil {
			n.log.Warn("drop malformed status", "subject", m.Subject, "err", err)
			return
		}
		fn(s)
	})
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

var _ Notifier = (*NATSNotifier)(nil)
