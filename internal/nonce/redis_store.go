package nonce

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/chainapi/pkg/errors"
)

const keyPrefix = "nonce:"

// reserveScript runs the reconcile step inside Redis so replicas sharing the
// key space never hand out the same nonce.
var reserveScript = redis.NewScript(`
	local remote = tonumber(ARGV[1])
	local last = redis.call("GET", KEYS[1])
	local nextNonce = remote
	if last then
		last = tonumber(last)
		if remote <= last then
			nextNonce = last + 1
		end
	end
	redis.call("SET", KEYS[1], string.format("%d", nextNonce))
	return nextNonce
`)

// RedisStore keeps reservations in Redis under nonce:<address>.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.StorageWrapWithCode(err, errors.OpPing, errors.StorageErrConnection,
			fmt.Sprintf("failed to connect to Redis at %s", addr))
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, address string, remote uint64) (uint64, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{keyPrefix + address}, strconv.FormatUint(remote, 10)).Int64()
	if err != nil {
		return 0, errors.WrapWithField(
			errors.StorageWrapWithCode(err, errors.OpReserve, errors.StorageErrWrite, "failed to reserve nonce"),
			"address", address)
	}
	if res < 0 {
		return 0, errors.StorageWrapWithCode(fmt.Errorf("got %d", res), errors.OpReserve,
			errors.StorageErrInvalidValue, "negative nonce in store")
	}
	return uint64(res), nil
}

// Last implements Store.
func (s *RedisStore) Last(ctx context.Context, address string) (uint64, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+address).Uint64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.StorageWrapWithCode(err, errors.OpGet, errors.StorageErrRead, "failed to read nonce")
	}
	return val, true, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
