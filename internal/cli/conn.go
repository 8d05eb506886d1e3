package cli

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harun/foreman/internal/config"
	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/store"
)

// conn is the minimal wiring the admin commands need: the store and the
// broker, without providers or the sandbox.
type conn struct {
	config *config.Config
	store  *store.Store
	broker queue.Broker
	redis  *redis.Client
}

func openConn() (*conn, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.DBPath, zerolog.Nop())
	if err != nil {
		return nil, err
	}

	c := &conn{config: cfg, store: s}
	if cfg.Broker.Memory {
		// An in-memory broker is process-local; admin commands against it
		// can only see their own process.
		c.broker = queue.NewMemory()
	} else {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.Addr,
			Password: cfg.Broker.Password,
			DB:       cfg.Broker.DB,
		})
		c.broker = queue.NewRedis(c.redis, zerolog.Nop())
	}

	return c, nil
}

func (c *conn) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			fmt.Println("redis close failed:", err)
		}
	}
	if err := c.store.Close(); err != nil {
		fmt.Println("store close failed:", err)
	}
}
