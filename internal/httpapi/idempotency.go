package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader    = "Idempotency-Key"
	idempotencyHitHeader = "X-Idempotency-Hit"
	idempotencyPending   = "PROCESSING"
)

type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// IdempotencyStore records the outcome of a keyed request. Begin reports
// acquired=true when the caller owns the key; otherwise a nil response means
// another request with the same key is still running.
type IdempotencyStore interface {
	Begin(ctx context.Context, key string) (*StoredResponse, bool, error)
	Complete(ctx context.Context, key string, resp StoredResponse) error
	Abort(ctx context.Context, key string) error
}

type RedisIdempotencyStore struct {
	client  redis.Cmdable
	lockTTL time.Duration
	ttl     time.Duration
}

func NewRedisIdempotencyStore(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, lockTTL: 10 * time.Second, ttl: ttl}
}

func (s *RedisIdempotencyStore) key(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, key string) (*StoredResponse, bool, error) {
	acquired, err := s.client.SetNX(ctx, s.key(key), idempotencyPending, s.lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if acquired {
		return nil, true, nil
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) || val == idempotencyPending {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp StoredResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, false, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key string, resp StoredResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(key), payload, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Abort(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Idempotency replays the stored response of a completed request carrying the
// same Idempotency-Key. Keys are scoped by staff member. Server errors are not
// stored so the client may retry them.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(idempotencyHeader)
			if clientKey == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := staffFromRequest(r) + ":" + r.URL.Path + ":" + clientKey
			ctx := r.Context()

			stored, acquired, err := store.Begin(ctx, key)
			if err != nil {
				logger.Warn("idempotency store unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if stored != nil {
				w.Header().Set(idempotencyHitHeader, "true")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}
			if !acquired {
				writeError(w, requestIDFromRequest(r), http.StatusConflict, "duplicate_request", "a request with this idempotency key is in progress")
				return
			}

			var body bytes.Buffer
			writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			writer.Tee(&body)
			next.ServeHTTP(writer, r)

			status := writer.Status()
			if status == 0 {
				status = http.StatusOK
			}
			// the request context may already be cancelled once the client has its answer
			saveCtx := context.WithoutCancel(ctx)
			if status >= http.StatusInternalServerError {
				if err := store.Abort(saveCtx, key); err != nil {
					logger.Warn("idempotency abort failed", "error", err)
				}
				return
			}
			resp := StoredResponse{Status: status}
			if body.Len() > 0 {
				resp.Body = json.RawMessage(bytes.TrimSpace(body.Bytes()))
			}
			if err := store.Complete(saveCtx, key, resp); err != nil {
				logger.Warn("idempotency save failed", "error", err)
			}
		})
	}
}
