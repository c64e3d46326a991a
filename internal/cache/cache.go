package cache

import (
	"fmt"

	"github.com/opensource-telecom/kestrel/internal/domain"
)

// New creates a cache backend from configuration. Single-node deployments
// use the in-process LRU; distributed deployments use Redis.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
