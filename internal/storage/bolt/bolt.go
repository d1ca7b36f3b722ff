package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trapmos/trapmos-alerts/internal/model"
	"github.com/trapmos/trapmos-alerts/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketRecipients   = []byte("recipients")
	bucketAudit        = []byte("audit_entries")
	bucketDetections   = []byte("detections")
	bucketDetectionIDs = []byte("detection_ids")
)

// Store is a BoltDB-backed Store implementation.
type Store struct {
	db *bolt.DB
}

// New initialises the Bolt store.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecipients, bucketAudit, bucketDetections, bucketDetectionIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecipients) == nil {
			return errors.New("recipients bucket missing")
		}
		return nil
	})
}

// UpsertRecipient stores or updates a recipient keyed by token.
func (s *Store) UpsertRecipient(ctx context.Context, recipient *model.Recipient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token := strings.TrimSpace(recipient.Token)
	if token == "" {
		return errors.New("recipient token is empty")
	}
	recipient.Token = token
	now := time.Now().UTC()
	if recipient.RegisteredAt.IsZero() {
		recipient.RegisteredAt = now
	}
	recipient.UpdatedAt = now
	payload, err := json.Marshal(recipient)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).Put([]byte(token), payload)
	})
}

// GetRecipient fetches a recipient by token.
func (s *Store) GetRecipient(ctx context.Context, token string) (*model.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *model.Recipient
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecipients).Get([]byte(token))
		if v == nil {
			return storage.ErrNotFound
		}
		var recipient model.Recipient
		if err := json.Unmarshal(v, &recipient); err != nil {
			return err
		}
		result = &recipient
		return nil
	})
	return result, err
}

// ListRecipients returns every registered recipient.
func (s *Store) ListRecipients(ctx context.Context) ([]*model.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var recipients []*model.Recipient
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).ForEach(func(_, v []byte) error {
			var recipient model.Recipient
			if err := json.Unmarshal(v, &recipient); err != nil {
				return err
			}
			recipients = append(recipients, &recipient)
			return nil
		})
	})
	return recipients, err
}

// DeleteRecipient removes a recipient. Missing tokens are ignored.
func (s *Store) DeleteRecipient(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecipients).Delete([]byte(token))
	})
}

// AppendAuditEntry stores an audit entry under the next sequence number.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketAudit)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		entry.ID = id
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bkt.Put(sequenceKey(id), payload)
	})
}

// ListAuditEntries returns all audit entries in append order.
func (s *Store) ListAuditEntries(ctx context.Context) ([]*model.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []*model.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(_, v []byte) error {
			var entry model.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// PutDetection stores a detection unless its ID is already known.
func (s *Store) PutDetection(ctx context.Context, detection *model.Detection) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(detection.ID) == "" {
		return false, errors.New("detection id is empty")
	}
	payload, err := json.Marshal(detection)
	if err != nil {
		return false, err
	}
	created := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketDetectionIDs)
		if ids.Get([]byte(detection.ID)) != nil {
			return nil
		}
		bkt := tx.Bucket(bucketDetections)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := sequenceKey(seq)
		if err := bkt.Put(key, payload); err != nil {
			return err
		}
		created = true
		return ids.Put([]byte(detection.ID), key)
	})
	return created, err
}

// GetDetection fetches a detection by ID.
func (s *Store) GetDetection(ctx context.Context, id string) (*model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *model.Detection
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketDetectionIDs).Get([]byte(id))
		if key == nil {
			return storage.ErrNotFound
		}
		v := tx.Bucket(bucketDetections).Get(key)
		if v == nil {
			return storage.ErrNotFound
		}
		var detection model.Detection
		if err := json.Unmarshal(v, &detection); err != nil {
			return err
		}
		result = &detection
		return nil
	})
	return result, err
}

// ListDetections returns all detections in arrival order.
func (s *Store) ListDetections(ctx context.Context) ([]*model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var detections []*model.Detection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDetections).ForEach(func(_, v []byte) error {
			var detection model.Detection
			if err := json.Unmarshal(v, &detection); err != nil {
				return err
			}
			detections = append(detections, &detection)
			return nil
		})
	})
	return detections, err
}

func sequenceKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}
