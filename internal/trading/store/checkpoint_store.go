// Package store keeps market checkpoints in BadgerDB. A checkpoint is a full
// market snapshot tagged with the journal sequence it covers.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Config holds configuration for the checkpoint store
type Config struct {
	Dir      string `mapstructure:"dir" validate:"required_without=InMemory"`
	InMemory bool   `mapstructure:"in_memory"`
	// Keep is the number of checkpoints retained per market.
	Keep int `mapstructure:"keep" validate:"gte=1"`
	// Every is the number of journaled instructions between checkpoints.
	Every int `mapstructure:"every" validate:"gte=1"`
}

// DefaultConfig returns a default checkpoint store configuration
func DefaultConfig() Config {
	return Config{
		Dir:   "/var/lib/fixedterm/checkpoints",
		Keep:  3,
		Every: 10000,
	}
}

// Checkpoint is a market snapshot taken after journal entry JournalSeq.
type Checkpoint struct {
	MarketID   uuid.UUID        `json:"market_id"`
	JournalSeq uint64           `json:"journal_seq"`
	TakenAt    time.Time        `json:"taken_at"`
	Snapshot   *market.Snapshot `json:"snapshot"`
}

// Store is a disk-backed checkpoint store using BadgerDB.
type Store struct {
	db     *badger.DB
	keep   int
	logger *zap.Logger
}

// Open initializes a Store at cfg.Dir, or in memory when cfg.InMemory is set.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	keep := cfg.Keep
	if keep < 1 {
		keep = 1
	}
	logger.Info("Checkpoint store opened", zap.String("dir", cfg.Dir), zap.Bool("in_memory", cfg.InMemory))
	return &Store{db: db, keep: keep, logger: logger}, nil
}

// key format: checkpoint:market:journalSeq
func prefix(marketID uuid.UUID) []byte {
	return []byte(fmt.Sprintf("checkpoint:%s:", marketID))
}

func formatKey(marketID uuid.UUID, seq uint64) []byte {
	return []byte(fmt.Sprintf("checkpoint:%s:%020d", marketID, seq))
}

// Save stores cp and prunes checkpoints beyond the retention count.
func (s *Store) Save(cp *Checkpoint) error {
	if cp.Snapshot == nil {
		return fmt.Errorf("checkpoint for %s has no snapshot", cp.MarketID)
	}
	val, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(formatKey(cp.MarketID, cp.JournalSeq), val); err != nil {
			return err
		}
		keys := s.keys(txn, cp.MarketID)
		for len(keys) > s.keep {
			if err := txn.Delete(keys[0]); err != nil {
				return err
			}
			keys = keys[1:]
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	s.logger.Info("Checkpoint stored",
		zap.String("market", cp.MarketID.String()),
		zap.Uint64("journal_seq", cp.JournalSeq),
		zap.Int("bytes", len(val)))
	return nil
}

// keys lists the checkpoint keys of a market, oldest first.
func (s *Store) keys(txn *badger.Txn, marketID uuid.UUID) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix(marketID)
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// Latest returns the most recent checkpoint of a market.
func (s *Store) Latest(marketID uuid.UUID) (*Checkpoint, error) {
	var cp *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix(marketID)
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse iteration seeks to the largest key not above the seek key
		it.Seek(append(prefix(marketID), 0xff))
		if !it.Valid() {
			return ErrNoCheckpoint
		}
		return it.Item().Value(func(v []byte) error {
			cp = new(Checkpoint)
			return json.Unmarshal(v, cp)
		})
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Sequences returns the journal sequences of the stored checkpoints, oldest
// first.
func (s *Store) Sequences(marketID uuid.UUID) ([]uint64, error) {
	var seqs []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		p := prefix(marketID)
		for _, k := range s.keys(txn, marketID) {
			seq, err := strconv.ParseUint(string(k[len(p):]), 10, 64)
			if err != nil {
				return fmt.Errorf("malformed checkpoint key %q: %w", k, err)
			}
			seqs = append(seqs, seq)
		}
		return nil
	})
	return seqs, err
}

// Close closes the underlying BadgerDB.
func (s *Store) Close() error {
	return s.db.Close()
}
