package store

import (
	"fmt"
	"os"
	"time"

	"jamlink/internal/config"

	"github.com/sirupsen/logrus"
)

// NewStore creates a replica store backend based on configuration.
func NewStore(cfg config.StoreConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case "valkey":
		addr := cfg.ValkeyAddr
		if env := os.Getenv("VALKEY_ADDR"); env != "" {
			addr = env
		}
		return NewValkeyStore(ValkeyConfig{
			Addr:      addr,
			Password:  os.Getenv("VALKEY_PASSWORD"),
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       time.Duration(cfg.RecordTTLMins) * time.Minute,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
