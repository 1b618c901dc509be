package activity

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/saigon/internal/domain"
)

const (
	defaultActivityDir = "./wal/activity"
	segmentLimit       = 1000
	maxSegments        = 100

	balanceKeyPrefix = "balance_"
	actionKeyPrefix  = "action_"
)

// WALStore is the append-only activity log of a session: balance snapshots
// and action outcomes share one WAL and are told apart by key prefix.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed activity store under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultActivityDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "activity_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init activity WAL")
	}

	return &WALStore{wal: wal}, nil
}

// SaveBalance appends a balance record.
func (s *WALStore) SaveBalance(record domain.BalanceRecord) error {
	if record.Asset == "" {
		return fmt.Errorf("balance record asset is required")
	}
	return s.append(balanceKeyPrefix+record.Asset, record)
}

// SaveOutcome appends an action outcome.
func (s *WALStore) SaveOutcome(outcome domain.ActionOutcome) error {
	if outcome.ID == "" {
		return fmt.Errorf("action outcome id is required")
	}
	return s.append(actionKeyPrefix+outcome.ID, outcome)
}

func (s *WALStore) append(key string, v any) error {
	if s == nil || s.wal == nil {
		return errors.New("activity store is not initialized")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// BalancesAfter returns the balance records written after index.
func (s *WALStore) BalancesAfter(index uint64) ([]domain.BalanceRecordEntry, error) {
	var out []domain.BalanceRecordEntry
	err := s.scan(index, balanceKeyPrefix, func(idx uint64, payload []byte) error {
		var record domain.BalanceRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return errors.Wrap(err, "decode balance record")
		}
		out = append(out, domain.BalanceRecordEntry{Index: idx, Record: record})
		return nil
	})
	return out, err
}

// OutcomesAfter returns the action outcomes written after index.
func (s *WALStore) OutcomesAfter(index uint64) ([]domain.ActionOutcomeEntry, error) {
	var out []domain.ActionOutcomeEntry
	err := s.scan(index, actionKeyPrefix, func(idx uint64, payload []byte) error {
		var outcome domain.ActionOutcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			return errors.Wrap(err, "decode action outcome")
		}
		out = append(out, domain.ActionOutcomeEntry{Index: idx, Outcome: outcome})
		return nil
	})
	return out, err
}

func (s *WALStore) scan(index uint64, prefix string, fn func(uint64, []byte) error) error {
	if s == nil || s.wal == nil {
		return errors.New("activity store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	for idx := index + 1; idx <= current; idx++ {
		key, payload, ok := s.wal.Get(idx)
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := fn(idx, payload); err != nil {
			return err
		}
	}
	return nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("activity store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
