package addressbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis connection backing a RedisBook.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Key is the Redis hash holding name → address.
	Key string
}

// RedisBook stores entries in a single Redis hash so several API replicas
// share one address book.
type RedisBook struct {
	client *redis.Client
	key    string
}

// NewRedisBook connects to Redis and verifies the connection.
func NewRedisBook(ctx context.Context, cfg RedisConfig) (*RedisBook, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}
	key := cfg.Key
	if key == "" {
		key = "intentarc:addressbook"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisBook{client: client, key: key}, nil
}

// Seed registers entries that are not present yet. Existing names keep their
// stored address.
func (b *RedisBook) Seed(ctx context.Context, seed map[string]string) error {
	for name, address := range seed {
		addr, err := parseAddress(address)
		if err != nil {
			return err
		}
		if err := b.client.HSetNX(ctx, b.key, NormalizeName(name), addr.Hex()).Err(); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// Resolve implements Book.
func (b *RedisBook) Resolve(ctx context.Context, nameOrAddress string) (common.Address, bool, error) {
	if addr, ok := literal(nameOrAddress); ok {
		return addr, true, nil
	}
	value, err := b.client.HGet(ctx, b.key, NormalizeName(nameOrAddress)).Result()
	if errors.Is(err, redis.Nil) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("lookup %s: %w", nameOrAddress, err)
	}
	addr, ok := literal(value)
	if !ok {
		return common.Address{}, false, fmt.Errorf("%w stored for %s", ErrInvalidAddress, nameOrAddress)
	}
	return addr, true, nil
}

// Register implements Book.
func (b *RedisBook) Register(ctx context.Context, name, address string) error {
	key := NormalizeName(name)
	if key == "" {
		return errors.New("name is empty")
	}
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, b.key, key, addr.Hex()).Err(); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

// Remove implements Book.
func (b *RedisBook) Remove(ctx context.Context, name string) error {
	if err := b.client.HDel(ctx, b.key, NormalizeName(name)).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// Close implements Book.
func (b *RedisBook) Close() error {
	return b.client.Close()
}

var _ Book = (*RedisBook)(nil)
