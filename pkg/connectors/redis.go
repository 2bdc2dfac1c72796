package connectors

import "github.com/redis/go-redis/v9"

// NewRedisConnector returns a redis client for the given address, or nil if
// addr is empty. Callers must treat a nil client as "feature disabled" (used
// by the recording manager's optional cross-process mix-tick leader lock).
func NewRedisConnector(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}
