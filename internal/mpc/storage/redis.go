package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements SessionStore against a shared Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) SessionStore {
	return &RedisStore{client: client}
}

func statusKey(sessionID string) string { return "mpc:session:" + sessionID }
func lockKey(key string) string         { return "mpc:lock:" + key }
func channelKey(channel string) string  { return "mpc:channel:" + channel }

func (s *RedisStore) SaveStatus(ctx context.Context, status *Status, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "storage: failed to marshal status")
	}
	if err := s.client.Set(ctx, statusKey(status.SessionID), data, ttl).Err(); err != nil {
		return errors.Wrap(err, "storage: failed to save status")
	}
	return nil
}

func (s *RedisStore) GetStatus(ctx context.Context, sessionID string) (*Status, error) {
	data, err := s.client.Get(ctx, statusKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.Errorf("storage: session %q not found", sessionID)
		}
		return nil, errors.Wrap(err, "storage: failed to get status")
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, errors.Wrap(err, "storage: failed to unmarshal status")
	}
	return &status, nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, status *Status, ttl time.Duration) error {
	return s.SaveStatus(ctx, status, ttl)
}

func (s *RedisStore) DeleteStatus(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, statusKey(sessionID)).Err(); err != nil {
		return errors.Wrap(err, "storage: failed to delete status")
	}
	return nil
}

// releaseLockScript deletes the lock key only if it still holds the token
// the caller was handed by AcquireLock. Without this check, a coordinator
// replica that stalled past its lock's TTL could delete a lock a second,
// newer replica has since legitimately acquired.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// AcquireLock takes the distributed lock that gates who may drive a
// ceremony's round transitions, so two coordinator replicas never race to
// advance the same session concurrently. The returned token must be
// presented to ReleaseLock.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token, err := newLockToken()
	if err != nil {
		return "", false, errors.Wrap(err, "storage: failed to generate lock token")
	}
	ok, err := s.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, errors.Wrap(err, "storage: failed to acquire lock")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) error {
	if err := s.client.Eval(ctx, releaseLockScript, []string{lockKey(key)}, token).Err(); err != nil {
		return errors.Wrap(err, "storage: failed to release lock")
	}
	return nil
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *RedisStore) PublishMessage(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "storage: failed to marshal message")
	}
	if err := s.client.Publish(ctx, channelKey(channel), data).Err(); err != nil {
		return errors.Wrap(err, "storage: failed to publish message")
	}
	return nil
}

func (s *RedisStore) SubscribeMessages(ctx context.Context, channel string) (<-chan interface{}, error) {
	pubsub := s.client.Subscribe(ctx, channelKey(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, errors.Wrap(err, "storage: failed to subscribe")
	}

	ch := pubsub.Channel()
	out := make(chan interface{})

	go func() {
		defer close(out)
		defer pubsub.Close()

		for msg := range ch {
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				continue
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
