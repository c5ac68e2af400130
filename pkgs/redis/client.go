package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/dimzachar/ScholarsXP-sub006/config"
)

// RedisClient is the shared client instance wired up in main
var RedisClient *redis.Client

// NewRedisClient creates a Redis client from the loaded settings and
// verifies connectivity with a ping.
func NewRedisClient() *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", config.SettingsObj.RedisHost, config.SettingsObj.RedisPort),
		Password:     config.SettingsObj.RedisPassword,
		DB:           config.SettingsObj.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     50,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s:%s: %v",
			config.SettingsObj.RedisHost, config.SettingsObj.RedisPort, err)
	}

	log.Infof("Connected to Redis at %s:%s (DB %d)",
		config.SettingsObj.RedisHost, config.SettingsObj.RedisPort, config.SettingsObj.RedisDB)
	return client
}
