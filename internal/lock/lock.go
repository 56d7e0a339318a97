// Package lock keeps a single engine instance per deployment.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"okx-carry-bot/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotAcquired = errors.New("engine lock held by another instance")
	ErrNotHeld     = errors.New("engine lock not held")
)

// Locker guards the engine. Lost is closed when a held lock can no longer be
// guaranteed; the holder must stop trading.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Lost() <-chan struct{}
}

// unlockScript deletes the key only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Redis is a SETNX lock refreshed at a third of its TTL.
type Redis struct {
	client redis.Scripter
	setnx  func(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	key    string
	ttl    time.Duration
	token  string
	log    *zap.Logger

	mu     sync.Mutex
	held   bool
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

func NewRedis(client *redis.Client, key string, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		client: client,
		setnx:  client.SetNX,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
		log:    log,
		lost:   make(chan struct{}),
	}
}

func (l *Redis) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}
	ok, err := l.setnx(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrNotAcquired)
	}
	l.held = true
	refreshCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.refreshLoop(refreshCtx, l.done)
	l.log.Info("engine lock acquired", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return nil
}

func (l *Redis) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// a transient error is tolerated until the TTL runs out
			l.log.Warn("engine lock refresh failed", zap.String("key", l.key), zap.Error(err))
			continue
		}
		if res == 0 {
			l.log.Error("engine lock lost", zap.String("key", l.key))
			l.mu.Lock()
			l.held = false
			l.mu.Unlock()
			close(l.lost)
			return
		}
	}
}

func (l *Redis) Release(ctx context.Context) error {
	l.mu.Lock()
	held, cancel, done := l.held, l.cancel, l.done
	l.held = false
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if !held {
		return ErrNotHeld
	}
	res, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if res == 0 {
		return fmt.Errorf("%s: %w", l.key, ErrNotHeld)
	}
	l.log.Info("engine lock released", zap.String("key", l.key))
	return nil
}

func (l *Redis) Lost() <-chan struct{} {
	return l.lost
}

var (
	localMu   sync.Mutex
	localHeld = make(map[string]struct{})
)

// Local is an in-process lock for single-process deployments.
type Local struct {
	key  string
	mu   sync.Mutex
	held bool
	lost chan struct{}
}

func NewLocal(key string) *Local {
	return &Local{key: key, lost: make(chan struct{})}
}

func (l *Local) Acquire(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}
	localMu.Lock()
	defer localMu.Unlock()
	if _, ok := localHeld[l.key]; ok {
		return fmt.Errorf("%s: %w", l.key, ErrNotAcquired)
	}
	localHeld[l.key] = struct{}{}
	l.held = true
	return nil
}

func (l *Local) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return ErrNotHeld
	}
	localMu.Lock()
	delete(localHeld, l.key)
	localMu.Unlock()
	l.held = false
	return nil
}

// Lost never fires for an in-process lock.
func (l *Local) Lost() <-chan struct{} {
	return l.lost
}
