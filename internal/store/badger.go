package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/shpitdev/leadgen-pipeline/internal/lead"
)

const (
	leadPrefix = "lead/"
	topPrefix  = "top/"
)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// BadgerStore is an embedded Repository for single-node and local use.
type BadgerStore struct {
	db *badger.DB
}

var _ Repository = (*BadgerStore)(nil)

// OpenBadger opens a store at dir, creating the directory if needed. An empty dir opens
// an in-memory store.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Owners are escaped so that one owner's prefix never matches another's keys.
func ownerPrefix(kind, owner string) []byte {
	return []byte(kind + url.PathEscape(owner) + "/")
}

func leadKey(owner, id string) []byte {
	return append(ownerPrefix(leadPrefix, owner), id...)
}

func topKey(owner string, createdAt time.Time) []byte {
	// Zero-padded so lexical order matches time order.
	return fmt.Appendf(ownerPrefix(topPrefix, owner), "%020d", createdAt.UnixNano())
}

func (s *BadgerStore) SaveBatch(ctx context.Context, owner string, leads []lead.Lead, top *TopLeads, now time.Time) error {
	if err := validateBatch(owner, leads); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		existing := make(map[string]lead.Lead, len(leads))
		for _, l := range leads {
			prev, ok, err := getLead(txn, owner, l.ID)
			if err != nil {
				return err
			}
			if ok {
				existing[l.ID] = prev
			}
		}
		for _, l := range mergeBatch(existing, leads, now) {
			b, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("encode lead %s: %w", l.ID, err)
			}
			if err := txn.Set(leadKey(owner, l.ID), b); err != nil {
				return err
			}
		}
		if top != nil {
			snap := *top
			snap.CreatedAt = snap.CreatedAt.UTC()
			b, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("encode top leads: %w", err)
			}
			if err := txn.Set(topKey(owner, snap.CreatedAt), b); err != nil {
				return err
			}
		}
		return nil
	})
}

func getLead(txn *badger.Txn, owner, id string) (lead.Lead, bool, error) {
	item, err := txn.Get(leadKey(owner, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return lead.Lead{}, false, nil
	}
	if err != nil {
		return lead.Lead{}, false, err
	}
	var l lead.Lead
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &l)
	})
	if err != nil {
		return lead.Lead{}, false, fmt.Errorf("decode lead %s: %w", id, err)
	}
	return l, true, nil
}

func (s *BadgerStore) ListLeads(ctx context.Context, owner string) ([]lead.Lead, error) {
	var out []lead.Lead
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ownerPrefix(leadPrefix, owner)
		iter := txn.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var l lead.Lead
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", iter.Item().Key(), err)
			}
			out = append(out, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b lead.Lead) int {
		return b.SavedAt.Compare(a.SavedAt)
	})
	return out, nil
}

func (s *BadgerStore) ListTopLeads(ctx context.Context, owner string, limit int) ([]TopLeads, error) {
	var out []TopLeads
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := ownerPrefix(topPrefix, owner)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		iter := txn.NewIterator(opts)
		defer iter.Close()

		// Reverse iteration seeks to the last key at or before the seek key.
		seek := append(slices.Clone(prefix), 0xFF)
		for iter.Seek(seek); iter.ValidForPrefix(prefix); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var snap TopLeads
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", iter.Item().Key(), err)
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
