package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const HeaderKey = "Idempotency-Key"

type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStore(rdb redis.Cmdable, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(topic string, partition int, offset int64) string {
	return fmt.Sprintf("idem:%s:%d:%d", topic, partition, offset)
}

// Seen claims key and reports whether it had already been claimed.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget releases key so the same message or request can be retried.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

type Claimer interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type claimKey struct{}

type claim struct {
	keep bool
}

// Keep stops the middleware from releasing the request's claim on a 5xx.
// Handlers call it once part of the work is committed, so a retry with the
// same key cannot apply that part twice.
func Keep(ctx context.Context) {
	if c, ok := ctx.Value(claimKey{}).(*claim); ok {
		c.keep = true
	}
}

// Middleware rejects a repeated request carrying the same Idempotency-Key
// with 409. A claim is released when the handler answers with a 5xx, so
// requests that failed for technical reasons can be retried, unless the
// handler called Keep.
func Middleware(log *slog.Logger, c Claimer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get(HeaderKey)
			if h == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := fmt.Sprintf("idem:http:%s:%s:%s", r.Method, r.URL.Path, h)
			seen, err := c.Seen(r.Context(), key)
			if err != nil {
				log.Error("idempotency check failed", "key", key, "err", err)
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if seen {
				log.Info("duplicate request rejected", "key", key)
				http.Error(w, "duplicate request", http.StatusConflict)
				return
			}

			cl := &claim{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), claimKey{}, cl)))
			if ww.Status() >= http.StatusInternalServerError && !cl.keep {
				if err := c.Forget(context.WithoutCancel(r.Context()), key); err != nil {
					log.Warn("idempotency release failed", "key", key, "err", err)
				}
			}
		})
	}
}
