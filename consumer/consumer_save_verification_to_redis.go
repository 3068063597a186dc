package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the optional verification summary cache.
type RedisConfig struct {
	Address   string `yaml:"redis_address"`
	Password  string `yaml:"redis_password"`
	DB        int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SaveVerificationToRedis caches the latest verification summary per
// contract so dashboards can read it without touching PostgreSQL. It also
// keeps a ledger-scored history of recent submission hashes.
type SaveVerificationToRedis struct {
	client    *redis.Client
	keyPrefix string
}

func NewSaveVerificationToRedis(config RedisConfig) (*SaveVerificationToRedis, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("missing redis_address in config")
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "audit:verification:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &SaveVerificationToRedis{
		client:    client,
		keyPrefix: keyPrefix,
	}, nil
}

// StoreSummary writes the summary for contractID and appends the latest
// submission hash to the per-contract history set.
func (s *SaveVerificationToRedis) StoreSummary(ctx context.Context, contractID string, summary *VerificationSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("error marshaling verification summary: %w", err)
	}

	pipe := s.client.Pipeline()

	key := s.keyPrefix + contractID + ":latest"
	pipe.HSet(ctx, key, map[string]interface{}{
		"summary":    string(data),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})

	if summary.LatestHash != "" {
		historyKey := s.keyPrefix + contractID + ":history"
		pipe.ZAdd(ctx, historyKey, redis.Z{
			Score:  float64(summary.LatestLedger),
			Member: summary.LatestHash,
		})
		// Keep only the most recent 1000 submissions.
		pipe.ZRemRangeByRank(ctx, historyKey, 0, -1001)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error executing Redis pipeline: %w", err)
	}

	log.Printf("Cached verification summary for %s (ledger %d)", contractID, summary.LatestLedger)
	return nil
}

func (s *SaveVerificationToRedis) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
