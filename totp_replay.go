package authcore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "aco"

// otpReplayStore marks accepted (identity, time-step) pairs so a code cannot
// be presented twice inside its acceptance window. SET NX makes the mark a
// single atomic round-trip shared by all instances.
type otpReplayStore struct {
	redis redis.UniversalClient
}

func newOTPReplayStore(redisClient redis.UniversalClient) *otpReplayStore {
	return &otpReplayStore{redis: redisClient}
}

func (s *otpReplayStore) key(userID string, counter int64) string {
	return replayKeyPrefix + ":" + userID + ":" + strconv.FormatInt(counter, 10)
}

// Consume claims the step for the identity. It returns false when the step
// was already consumed, which the caller must treat as a failed code.
func (s *otpReplayStore) Consume(ctx context.Context, userID string, counter int64, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.key(userID, counter), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}
