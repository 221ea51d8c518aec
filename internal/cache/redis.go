// Package cache is the Redis read cache for catalog products. It is a pure
// accelerator: checkout never reads prices from here, only the catalog API
// does, so a stale entry can never leak into an order.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shopcore/internal/config"
	"shopcore/internal/models"
)

const productTTL = 5 * time.Minute

func InitRedis(logger *zap.Logger) (*redis.Client, error) {
	host := config.GetEnv("REDIS_HOST", "localhost")
	port := config.GetEnv("REDIS_PORT", "6379")
	password := config.GetEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func productKey(id string) string {
	return fmt.Sprintf("product:%s", id)
}

func GetProduct(ctx context.Context, rdb *redis.Client, id string) (*models.Product, error) {
	data, err := rdb.Get(ctx, productKey(id)).Bytes()
	if err != nil {
		return nil, err
	}
	var product models.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

func SetProduct(ctx context.Context, rdb *redis.Client, id string, product *models.Product) error {
	data, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, productKey(id), data, productTTL).Err()
}

// InvalidateProduct drops the cached entry after a write so the next read
// observes the ledger row.
func InvalidateProduct(ctx context.Context, rdb *redis.Client, id string) error {
	return rdb.Del(ctx, productKey(id)).Err()
}
