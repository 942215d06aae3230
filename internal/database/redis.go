package database

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/atelierml/backend/internal/config"
)

// InitRedis initializes the Redis client. Redis is optional here (it only
// backs notification fan-out), so a connection failure is not fatal.
func InitRedis(cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("Redis connection failed, continuing without Redis: %v", err)
		return nil
	}

	log.Println("Redis connection established")
	return rdb
}
