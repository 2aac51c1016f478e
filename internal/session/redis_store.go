package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "session:"

// RedisStore хранит сессии в redis; время жизни задаётся TTL ключа и
// продлевается при каждой записи.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// ConnectRedis открывает клиент и проверяет соединение.
func ConnectRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: 0})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (Session, bool, error) {
	data, err := r.rdb.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key(s.UserID), data, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, userID int64) error {
	return r.rdb.Del(ctx, key(userID)).Err()
}
