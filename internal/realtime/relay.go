package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// Relay carries job transitions between server instances so every hub can serve every job.
type Relay interface {
	Publish(ctx context.Context, job domain.PushJob) error
	// Subscribe blocks, calling fn for transitions published by other instances, until ctx is done.
	Subscribe(ctx context.Context, fn func(domain.PushJob)) error
}

type relayEnvelope struct {
	Origin string         `json:"origin"`
	Job    domain.PushJob `json:"job"`
}

// RedisRelay relays transitions over a redis pub/sub channel.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  logrus.FieldLogger
}

const defaultRelayChannel = "cvsync:push-jobs"

func NewRedisRelay(client *redis.Client, channel string, logger logrus.FieldLogger) *RedisRelay {
	if channel == "" {
		channel = defaultRelayChannel
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		logger:  logger.WithField("component", "relay"),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, job domain.PushJob) error {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Job: job})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(domain.PushJob)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.logger.WithField("channel", r.channel).Info("job relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				r.logger.WithError(err).Warn("dropping malformed relay message")
				continue
			}
			if envelope.Origin == r.origin {
				continue
			}
			fn(envelope.Job)
		}
	}
}
