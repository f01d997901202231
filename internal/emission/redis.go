package emission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/intake/model"
)

// ChannelPrefix prefixes the pub/sub channel of a booking.
const ChannelPrefix = "intake:emissions:"

const latestPrefix = "intake:emission:latest:"

// Channel returns the pub/sub channel emissions of bookingID are published on.
func Channel(bookingID string) string { return ChannelPrefix + bookingID }

// Redis publishes emissions on a per-booking channel and keeps the latest
// emission of each session under a TTL key.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedis creates a Redis sink. A zero ttl keeps latest keys forever.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Publish stores em as the session's latest emission and announces it.
func (s *Redis) Publish(ctx context.Context, em model.Emission) error {
	data, err := encode(em)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestPrefix+em.SessionID, data, s.ttl)
		pipe.Publish(ctx, Channel(em.BookingID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish emission %s/%d: %w", em.SessionID, em.Sequence, err)
	}
	return nil
}

// Latest reads the latest emission of sessionID.
func (s *Redis) Latest(ctx context.Context, sessionID string) (model.Emission, bool, error) {
	raw, err := s.client.Get(ctx, latestPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Emission{}, false, nil
	}
	if err != nil {
		return model.Emission{}, false, fmt.Errorf("redis get latest emission %q: %w", sessionID, err)
	}
	em, err := decode(raw)
	if err != nil {
		return model.Emission{}, false, err
	}
	return em, true, nil
}

// Close closes the client when it owns a connection.
func (s *Redis) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
