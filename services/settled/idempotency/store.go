package idempotency

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

var bucketResponses = []byte("responses")

var (
	// ErrKeyConflict is returned when a key is reused with a different request body.
	ErrKeyConflict = errors.New("idempotency: key reused with a different request")
	// ErrNotPending is returned when completing a key that was never begun.
	ErrNotPending = errors.New("idempotency: key not pending")
)

// Status describes the outcome of Begin.
type Status int

const (
	// StatusNew means the caller owns the key and must Complete or Abandon it.
	StatusNew Status = iota
	// StatusReplay means a stored response is available.
	StatusReplay
	// StatusPending means another request with the same key is still running.
	StatusPending
)

// Record stores a cached response for an idempotency key.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Pending     bool      `json:"pending,omitempty"`
	StatusCode  int       `json:"statusCode,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists idempotency responses in BoltDB.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
}

// Open initialises the BoltDB-backed store at path. Records live for ttl.
func Open(path string, ttl time.Duration, options *bolt.Options) (*Store, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("idempotency: ttl must be positive")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, ttl: ttl}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin claims key for a request whose body hashes to fingerprint. An
// unexpired record for the same fingerprint is returned for replay; a
// different fingerprint fails with ErrKeyConflict.
func (s *Store) Begin(key, fingerprint string, now time.Time) (Record, Status, error) {
	var (
		record Record
		status Status
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if raw := bucket.Get([]byte(key)); raw != nil {
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if !now.After(existing.ExpiresAt) {
				if existing.Fingerprint != fingerprint {
					return ErrKeyConflict
				}
				record = existing
				status = StatusReplay
				if existing.Pending {
					status = StatusPending
				}
				return nil
			}
		}
		record = Record{
			Fingerprint: fingerprint,
			Pending:     true,
			StoredAt:    now,
			ExpiresAt:   now.Add(s.ttl),
		}
		status = StatusNew
		return put(bucket, key, record)
	})
	if err != nil {
		return Record{}, StatusNew, err
	}
	return record, status, nil
}

// Complete stores the response for a key previously claimed with Begin.
func (s *Store) Complete(key string, statusCode int, body []byte, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotPending
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if !record.Pending {
			return ErrNotPending
		}
		record.Pending = false
		record.StatusCode = statusCode
		record.Body = append([]byte(nil), body...)
		record.StoredAt = now
		record.ExpiresAt = now.Add(s.ttl)
		return put(bucket, key, record)
	})
}

// Abandon releases a pending claim so the request can be retried.
func (s *Store) Abandon(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if !record.Pending {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Prune deletes expired records and returns how many were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			if now.After(record.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

// Key scopes a client-supplied idempotency key to the caller and route so two
// callers can never collide.
func Key(caller, method, path, idem string) string {
	h := blake3.New(32, nil)
	for _, part := range []string{caller, method, path, idem} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func put(bucket *bolt.Bucket, key string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), payload)
}
