package cmd

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/interchat/core/internal/cache"
	"github.com/interchat/core/internal/config"
	"github.com/interchat/core/internal/store"
)

// openCLIStore opens a short-lived Entity Store Adapter + Cache Layer pair
// for one-shot administrative subcommands (hub/ban). Unlike serve, which
// keeps these open for the process lifetime, CLI commands close them before
// returning.
func openCLIStore() (store.Store, *cache.Cache, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	c := cache.New(redisClient, time.Duration(cfg.Cache.TTLSeconds)*time.Second)

	db, err := openStore(cfg, c)
	if err != nil {
		redisClient.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		db.Close()
		redisClient.Close()
	}
	return db, c, cleanup, nil
}
