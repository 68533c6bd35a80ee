package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/ivochat/internal/store/redisstore"
)

func newTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.New(rdb, redisstore.WithRetryMaxElapsed(0)), mr
}

var errFull = errors.New("full")

// recorder is a group member that keeps every frame it receives.
type recorder struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames []string
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(b []byte) error {
	if r.fail {
		return errFull
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(b))
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func mustParse(t *testing.T, s string) Message {
	t.Helper()
	m, err := ParseMessage([]byte(s))
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return m
}

var bg = context.Background()
