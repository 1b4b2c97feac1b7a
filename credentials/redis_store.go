package credentials

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gridware/go-sheet-sync/internal/apperrors"
)

var _ Store = (*RedisStore)(nil)

// RedisStore persists credentials in Redis so several worker processes can
// share one credential set. The four keys are written in a single pipeline
// and deleted together on Clear.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed credential store. keyPrefix namespaces
// the four credential keys (e.g. "sheetsync:").
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (rs *RedisStore) key(name string) string {
	return rs.prefix + name
}

func (rs *RedisStore) Save(ctx context.Context, record *TokenRecord) error {
	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, rs.key(keyAccessToken), record.AccessToken, 0)
	pipe.Set(ctx, rs.key(keyRefreshToken), record.RefreshToken, 0)
	pipe.Set(ctx, rs.key(keyIssuedAt), strconv.FormatInt(record.IssuedAt.Unix(), 10), 0)
	pipe.Set(ctx, rs.key(keyExpiresIn), strconv.FormatInt(int64(record.ExpiresIn/time.Second), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "[RedisStore.Save] pipeline Exec")
	}
	return nil
}

func (rs *RedisStore) Load(ctx context.Context) (*TokenRecord, error) {
	values, err := rs.client.MGet(ctx,
		rs.key(keyAccessToken),
		rs.key(keyRefreshToken),
		rs.key(keyIssuedAt),
		rs.key(keyExpiresIn),
	).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[RedisStore.Load] MGet")
	}

	str := func(v interface{}) string {
		s, _ := v.(string)
		return s
	}

	accessToken := str(values[0])
	if accessToken == "" {
		return nil, apperrors.ErrNoCredentials
	}

	issued, err := strconv.ParseInt(str(values[2]), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "[RedisStore.Load] parse issued_at")
	}
	lifetime, err := strconv.ParseInt(str(values[3]), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "[RedisStore.Load] parse expires_in")
	}

	return &TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: str(values[1]),
		IssuedAt:     time.Unix(issued, 0),
		ExpiresIn:    time.Duration(lifetime) * time.Second,
	}, nil
}

func (rs *RedisStore) Clear(ctx context.Context) error {
	err := rs.client.Del(ctx,
		rs.key(keyAccessToken),
		rs.key(keyRefreshToken),
		rs.key(keyIssuedAt),
		rs.key(keyExpiresIn),
	).Err()
	if err != nil {
		return errors.Wrap(err, "[RedisStore.Clear] Del")
	}
	return nil
}
