package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	bolt "go.etcd.io/bbolt"
)

var idempotencyBucket = []byte("idempotency")

// IdempotencyStore caches responses to mutating requests keyed by the
// caller-supplied Idempotency-Key header, so network retries do not replay
// state transitions.
type IdempotencyStore struct {
	db  *bolt.DB
	ttl time.Duration
}

type cachedResponse struct {
	Status    int             `json:"status"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

func OpenIdempotencyStore(path string, ttl time.Duration) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("gateway: open idempotency store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idempotencyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: init idempotency bucket: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{db: db, ttl: ttl}, nil
}

func (s *IdempotencyStore) Close() error { return s.db.Close() }

func (s *IdempotencyStore) lookup(key string) (*cachedResponse, bool) {
	var cached *cachedResponse
	_ = s.db.View(func(tx *bolt.Tx) error {
		blob := tx.Bucket(idempotencyBucket).Get([]byte(key))
		if blob == nil {
			return nil
		}
		rec := &cachedResponse{}
		if err := json.Unmarshal(blob, rec); err != nil {
			return nil
		}
		if time.Since(time.Unix(rec.CreatedAt, 0)) > s.ttl {
			return nil
		}
		cached = rec
		return nil
	})
	return cached, cached != nil
}

func (s *IdempotencyStore) save(key string, status int, body []byte) {
	rec := cachedResponse{Status: status, Body: body, CreatedAt: time.Now().Unix()}
	blob, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(idempotencyBucket).Put([]byte(key), blob)
	})
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware replays cached responses for repeated Idempotency-Key values
// and records fresh ones. Requests without the header pass through.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if cached, ok := s.lookup(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		// Only cache settled outcomes; a 5xx should be retried upstream.
		if capture.status < http.StatusInternalServerError {
			s.save(key, capture.status, capture.buf.Bytes())
		}
	})
}
