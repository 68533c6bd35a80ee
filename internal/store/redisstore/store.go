// Package redisstore is the shared key/value store every server instance talks to.
// It holds no chat logic: plain get/set/delete with optional expiry, plus a few
// server-side scripts for the read-modify-write sequences that must be atomic.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist (or expired).
var ErrNotFound = errors.New("redisstore: key not found")

const (
	// ownerSuffix marks the companion field that records who wrote a hash entry.
	ownerSuffix = "#owner"
	// versionField counts the changes made through OwnedPut and OwnedDelete.
	versionField = "#version"
)

type Store struct {
	rdb        redis.UniversalClient
	maxElapsed time.Duration
	onRetry    func(op string, err error)
}

type Option func(*Store)

// WithRetryMaxElapsed bounds how long a write keeps retrying transient errors.
// Zero disables retries.
func WithRetryMaxElapsed(d time.Duration) Option {
	return func(s *Store) { s.maxElapsed = d }
}

// WithRetryObserver is called before every retry of a write.
func WithRetryObserver(fn func(op string, err error)) Option {
	return func(s *Store) { s.onRetry = fn }
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, maxElapsed: 2 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open dials Redis and verifies the connection. The client's own retries are
// off; Store decides per command what is safe to resend.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: -1,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// Set writes value under key. ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.retry(ctx, "set", true, func() error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.retry(ctx, "delete", true, func() error {
		return s.rdb.Del(ctx, key).Err()
	})
}

// OwnedPut sets field=value in the hash at key, records owner for that field and
// bumps the hash version, then returns the version and every value in the hash.
// Runs as one script, so concurrent puts of different fields never lose each other.
func (s *Store) OwnedPut(ctx context.Context, key, field string, value []byte, owner string) (int64, [][]byte, error) {
	var (
		version int64
		out     [][]byte
	)
	err := s.retry(ctx, "owned_put", true, func() error {
		res, err := ownedPutScript.Run(ctx, s.rdb, []string{key}, field, value, owner).Slice()
		if err != nil {
			return err
		}
		version, out, err = hashValues(res)
		return err
	})
	return version, out, err
}

// OwnedDelete removes field from the hash at key when its recorded owner equals owner,
// or when the recorded owner starts with owner followed by a newline (owner given as a
// prefix). A removal bumps the version. It returns the version and every value left.
func (s *Store) OwnedDelete(ctx context.Context, key, field, owner string) (int64, [][]byte, error) {
	var (
		version int64
		out     [][]byte
	)
	err := s.retry(ctx, "owned_delete", true, func() error {
		res, err := ownedDeleteScript.Run(ctx, s.rdb, []string{key}, field, owner).Slice()
		if err != nil {
			return err
		}
		version, out, err = hashValues(res)
		return err
	})
	return version, out, err
}

// OwnedValues returns the version and every value in the hash at key, skipping
// owner records.
func (s *Store) OwnedValues(ctx context.Context, key string) (int64, [][]byte, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	var version int64
	out := make([][]byte, 0, len(m)/2)
	for f, v := range m {
		switch {
		case f == versionField:
			if version, err = strconv.ParseInt(v, 10, 64); err != nil {
				return 0, nil, fmt.Errorf("redis hgetall %s: bad version %q", key, v)
			}
		case strings.HasSuffix(f, ownerSuffix):
		default:
			out = append(out, []byte(v))
		}
	}
	return version, out, nil
}

// Append pushes value to the tail of the list at key. A list created by this call
// gets ttl; an existing list keeps whatever expiry it already has. It reports
// whether the list was created. A push is not idempotent, so it is only resent
// when the failure shows the command never reached the server.
func (s *Store) Append(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var created bool
	err := s.retry(ctx, "append", false, func() error {
		n, err := appendScript.Run(ctx, s.rdb, []string{key}, value, ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	return created, err
}

// List returns the list at key in insertion order; missing keys give an empty slice.
func (s *Store) List(ctx context.Context, key string) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *Store) retry(ctx context.Context, op string, idempotent bool, fn func() error) error {
	if s.maxElapsed <= 0 {
		return wrap(op, fn())
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = s.maxElapsed

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !retryable(err, idempotent) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, _ time.Duration) {
		if s.onRetry != nil {
			s.onRetry(op, err)
		}
	})
	return wrap(op, err)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

// retryable reports whether a failed command is worth sending again. The
// "try again later" replies and failures to dial mean the command never ran, so
// any command may be resent. Other connection errors can land after the server
// applied the command; only idempotent commands are resent for those.
func retryable(err error, idempotent bool) bool {
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		return strings.HasPrefix(msg, "LOADING") ||
			strings.HasPrefix(msg, "BUSY") ||
			strings.HasPrefix(msg, "TRYAGAIN") ||
			strings.HasPrefix(msg, "CLUSTERDOWN")
	}
	if idempotent {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// hashValues turns a flat HGETALL reply into the version and the entry values.
func hashValues(res []interface{}) (int64, [][]byte, error) {
	if len(res)%2 != 0 {
		return 0, nil, fmt.Errorf("unexpected hash reply length: %d", len(res))
	}
	var version int64
	out := make([][]byte, 0, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		f, ok := res[i].(string)
		if !ok {
			return 0, nil, fmt.Errorf("unexpected type for hash field: %T", res[i])
		}
		v, ok := res[i+1].(string)
		if !ok {
			return 0, nil, fmt.Errorf("unexpected type for hash value: %T", res[i+1])
		}
		switch {
		case f == versionField:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("unexpected hash version: %q", v)
			}
			version = n
		case strings.HasSuffix(f, ownerSuffix):
		default:
			out = append(out, []byte(v))
		}
	}
	return version, out, nil
}
