package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// profileNotification is the JSON body emitted by the users trigger.
type profileNotification struct {
	UserID    int64  `json:"user_id"`
	ProfileID int64  `json:"profile_id"`
	Change    string `json:"change"`
}

// ProfileListener turns PostgreSQL NOTIFY events on the profile channel into
// TopicProfileChanged messages delivered to local subscribers.
type ProfileListener struct {
	pool    *pgxpool.Pool
	channel string
	bus     *LocalBus
	logger  *slog.Logger
}

// NewProfileListener constructs a listener for channel.
func NewProfileListener(pool *pgxpool.Pool, channel string, bus *LocalBus, logger *slog.Logger) *ProfileListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileListener{pool: pool, channel: channel, bus: bus, logger: logger}
}

// Run listens until ctx is cancelled, reacquiring the connection with
// exponential backoff on failure.
func (l *ProfileListener) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("profile listener interrupted",
			slog.String("channel", l.channel),
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *ProfileListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pubsub: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("pubsub: listen: %w", err)
	}
	l.logger.Info("listening for profile changes", slog.String("channel", l.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		msg, err := decodeProfileNotification(n.Payload)
		if err != nil {
			l.logger.Warn("discarding malformed profile notification",
				slog.String("payload", n.Payload),
				slog.Any("error", err),
			)
			continue
		}
		l.bus.Deliver(ctx, msg)
	}
}

func decodeProfileNotification(payload string) (Message, error) {
	var body profileNotification
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return Message{}, err
	}
	if body.UserID == 0 && body.ProfileID == 0 {
		return Message{}, fmt.Errorf("pubsub: notification without identity")
	}
	return Message{
		Topic:     TopicProfileChanged,
		UserID:    body.UserID,
		ProfileID: body.ProfileID,
		Reason:    body.Change,
		At:        time.Now().UTC(),
	}, nil
}
