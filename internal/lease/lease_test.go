package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryClient struct {
	mu     sync.Mutex
	values   map[string]string
	err      error
	renewals int
}

func newMemoryClient() *memoryClient {
	return &memoryClient{values: map[string]string{}}
}

func (m *memoryClient) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return redis.NewBoolResult(false, m.err)
	}
	if _, held := m.values[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	m.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *memoryClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if script == renewScript {
		if m.values[keys[0]] != args[0].(string) {
			return redis.NewCmdResult(int64(0), nil)
		}
		m.renewals++
		return redis.NewCmdResult(int64(1), nil)
	}
	if m.values[keys[0]] == args[0].(string) {
		delete(m.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerSingleFlight(t *testing.T) {
	client := newMemoryClient()
	first := &RedisLocker{client: client, key: "voltchain:flush", ttl: time.Minute}
	second := &RedisLocker{client: client, key: "voltchain:flush", ttl: time.Minute}

	release, ok, err := first.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("first lease should be acquired: ok=%v err=%v", ok, err)
	}
	if _, ok, err := second.TryLock(context.Background()); err != nil || ok {
		t.Fatalf("second lease must not be acquired: ok=%v err=%v", ok, err)
	}

	release()
	if _, ok, _ := second.TryLock(context.Background()); !ok {
		t.Fatal("lease should be free after release")
	}
}

func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	client := newMemoryClient()
	locker := &RedisLocker{client: client, key: "k", ttl: time.Minute}

	release, ok, _ := locker.TryLock(context.Background())
	if !ok {
		t.Fatal("expected lease")
	}
	// simulate expiry followed by another holder
	client.values["k"] = "someone-else"
	release()
	if client.values["k"] != "someone-else" {
		t.Fatal("release must not delete a lease held by another token")
	}
}

func TestRedisLockerError(t *testing.T) {
	boom := errors.New("connection refused")
	client := newMemoryClient()
	client.err = boom
	locker := &RedisLocker{client: client, key: "k", ttl: time.Minute}
	if _, _, err := locker.TryLock(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewRedisClientRequiresAddr(t *testing.T) {
	if _, err := NewRedisClient("  ", "", 0); err == nil {
		t.Fatal("empty addr should fail")
	}
}

func (m *memoryClient) renewCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewals
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	client := newMemoryClient()
	locker := &RedisLocker{client: client, key: "k", ttl: 30 * time.Millisecond}

	release, ok, err := locker.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected lease: ok=%v err=%v", ok, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for client.renewCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.renewCount() < 2 {
		t.Fatalf("held lease should be renewed, got %d renewals", client.renewCount())
	}

	release()
	after := client.renewCount()
	time.Sleep(50 * time.Millisecond)
	if client.renewCount() != after {
		t.Fatal("renewal must stop once the lease is released")
	}
	release()
}
