package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSQueue publishes tasks on a subject and consumes them through a
// queue group, so each task reaches one worker. Core NATS does not
// persist messages: tasks published while no worker is subscribed are
// dropped and must be recovered with an administrative requeue.
type NATSQueue struct {
	nc      *nats.Conn
	subject string
	group   string
	logger  *slog.Logger
}

func ConnectNATS(url, subject, group string, logger *slog.Logger) (*NATSQueue, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nc, err := nats.Connect(url,
		nats.Name("docbatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSQueue{nc: nc, subject: subject, group: group, logger: logger}, nil
}

func (q *NATSQueue) Enqueue(_ context.Context, t Task) error {
	b, err := Encode(t)
	if err != nil {
		return err
	}
	if err := q.nc.Publish(q.subject, b); err != nil {
		return fmt.Errorf("publish %s task: %w", t.Kind, err)
	}
	return nil
}

// Consume subscribes to the queue group and handles messages on the
// subscription's goroutine until ctx is done.
func (q *NATSQueue) Consume(ctx context.Context, h Handler) error {
	sub, err := q.nc.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		t, err := Decode(msg.Data)
		if err != nil {
			q.logger.Error("dropping malformed task", "subject", msg.Subject, "err", err)
			return
		}
		if err := h(ctx, t); err != nil {
			q.logger.Warn("task handler failed", "kind", t.Kind, "id", t.ID, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}
	<-ctx.Done()
	if err := sub.Drain(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}

func (q *NATSQueue) Close() error {
	if q.nc == nil {
		return nil
	}
	if err := q.nc.Drain(); err != nil && err != nats.ErrConnectionClosed {
		return err
	}
	return nil
}
