package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var errLockNotConfigured = errors.New("lock client not configured")

// Locker guards a job id across replicas: a SETNX lease while it runs and a
// completion marker once it succeeded.
type Locker struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = DefaultConfig().KeyPrefix
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		prefix: prefix,
	}
}

func (l *Locker) lockKey(jobID string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, jobID)
}

func (l *Locker) doneKey(jobID string) string {
	return fmt.Sprintf("%s:done:%s", l.prefix, jobID)
}

func (l *Locker) TryLock(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errLockNotConfigured
	}
	if jobID == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.lockKey(jobID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, jobID, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if jobID == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.lockKey(jobID)}, token).Err()
}

func (l *Locker) MarkDone(ctx context.Context, jobID string, ttl time.Duration, at time.Time) error {
	if l == nil || l.client == nil {
		return errLockNotConfigured
	}
	return l.client.Set(ctx, l.doneKey(jobID), at.UTC().Format(time.RFC3339), ttl).Err()
}

func (l *Locker) IsDone(ctx context.Context, jobID string) (bool, error) {
	if l == nil || l.client == nil {
		return false, errLockNotConfigured
	}
	n, err := l.client.Exists(ctx, l.doneKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
