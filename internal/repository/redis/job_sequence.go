package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/orchids/transcription-service/internal/domain"
)

// raiseFloor sets the counter to ARGV[1] unless it is already at or above it.
var raiseFloor = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return current
`)

// JobSequence hands out job ids from a Redis counter so ids stay unique
// across restarts and across API replicas sharing one Redis.
type JobSequence struct {
	client *redis.Client
	key    string
}

func NewJobSequence(client *redis.Client, key string) *JobSequence {
	return &JobSequence{
		client: client,
		key:    key,
	}
}

func (s *JobSequence) NextID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to allocate job id: %v", domain.ErrDatabaseError, err)
	}
	return id, nil
}

// EnsureFloor moves the counter up to floor, typically the highest id already
// persisted, and returns the counter's value afterwards.
func (s *JobSequence) EnsureFloor(ctx context.Context, floor int64) (int64, error) {
	v, err := raiseFloor.Run(ctx, s.client, []string{s.key}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to raise job sequence floor: %w", err)
	}
	return v, nil
}
