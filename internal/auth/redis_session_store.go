package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisSessionKeyPrefix = "session:"

var errMissingRedisClient = errors.New("auth: redis client is required")

// deleteMatchingSession removes the key only while it still holds the expected session id.
var deleteMatchingSession = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
	return 0
end
if ARGV[1] ~= "" and cjson.decode(raw)["session_id"] ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

type redisSession struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisSessionStore keeps sessions in redis, expiring each key with its session.
type RedisSessionStore struct {
	client redis.UniversalClient
	clock  func() time.Time
}

// NewRedisSessionStore wraps a redis client.
func NewRedisSessionStore(client redis.UniversalClient, clock func() time.Time) (*RedisSessionStore, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisSessionStore{client: client, clock: clock}, nil
}

func (s *RedisSessionStore) Get(ctx context.Context, accountID string) (SessionRecord, error) {
	raw, err := s.client.Get(ctx, redisSessionKeyPrefix+accountID).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return SessionRecord{}, err
	}
	return SessionRecord{
		AccountID: accountID,
		SessionID: stored.SessionID,
		ExpiresAt: stored.ExpiresAt,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.CreatedAt,
	}, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, record SessionRecord) error {
	ttl := record.ExpiresAt.Sub(s.clock())
	if ttl <= 0 {
		_, err := s.Delete(ctx, record.AccountID, "")
		return err
	}
	created := record.CreatedAt
	if created.IsZero() {
		created = s.clock().UTC()
	}
	payload, err := json.Marshal(redisSession{
		SessionID: record.SessionID,
		ExpiresAt: record.ExpiresAt.UTC(),
		CreatedAt: created,
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisSessionKeyPrefix+record.AccountID, payload, ttl).Err()
}

func (s *RedisSessionStore) Delete(ctx context.Context, accountID, sessionID string) (bool, error) {
	removed, err := deleteMatchingSession.Run(ctx, s.client, []string{redisSessionKeyPrefix + accountID}, sessionID).Int()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}
