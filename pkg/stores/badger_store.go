package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/icos-project/polman/pkg/model"
)

const badgerKeyPrefix = "policy/"

// BadgerStore keeps policy documents in an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger zerolog.Logger
}

// BadgerConfig holds badger store configuration. An empty Path opens an
// in-memory database.
type BadgerConfig struct {
	Path       string
	SyncWrites bool
}

// badgerRecord wraps the document with its insertion sequence so that List
// keeps insertion order.
type badgerRecord struct {
	Seq    uint64          `json:"seq"`
	Policy json.RawMessage `json:"policy"`
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// NewBadgerStore opens a badger database.
func NewBadgerStore(cfg BadgerConfig, logger zerolog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}

	log := logger.With().Str("component", "badger-store").Logger()
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{logger: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/policies"), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, logger: log}, nil
}

func badgerKey(id string) []byte {
	return []byte(badgerKeyPrefix + id)
}

func (s *BadgerStore) Insert(_ context.Context, p *model.Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy %s: %w", p.ID, err)
	}

	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	record, err := json.Marshal(badgerRecord{Seq: seq, Policy: data})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(p.ID))
		if err == nil {
			return errAlreadyExists(p.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to get policy: %w", err)
		}
		return txn.Set(badgerKey(p.ID), record)
	})
}

func (s *BadgerStore) nextSeq() (uint64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to get next sequence: %w", err)
	}
	return n, nil
}

func readRecord(item *badger.Item) (badgerRecord, *model.Policy, error) {
	var rec badgerRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, nil, fmt.Errorf("failed to decode record: %w", err)
	}
	p := &model.Policy{}
	if err := json.Unmarshal(rec.Policy, p); err != nil {
		return rec, nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	if p.Status.Events == nil {
		p.Status.Events = []model.Event{}
	}
	return rec, p, nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*model.Policy, error) {
	var p *model.Policy
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.NewNotFoundError(id)
		}
		if err != nil {
			return fmt.Errorf("failed to get policy: %w", err)
		}
		_, p, err = readRecord(item)
		return err
	})
	return p, err
}

func (s *BadgerStore) List(_ context.Context, filters Filters) ([]*model.Policy, error) {
	type entry struct {
		seq uint64
		p   *model.Policy
	}
	var entries []entry

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rec, p, err := readRecord(it.Item())
			if err != nil {
				return err
			}
			entries = append(entries, entry{rec.Seq, p})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	policies := make([]*model.Policy, len(entries))
	for i, e := range entries {
		policies[i] = e.p
	}
	return filterPolicies(policies, filters)
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return model.NewNotFoundError(id)
		} else if err != nil {
			return fmt.Errorf("failed to get policy: %w", err)
		}
		return txn.Delete(badgerKey(id))
	})
}

func (s *BadgerStore) AddEvent(_ context.Context, id string, event model.Event) error {
	return s.update(id, addEvent(event))
}

func (s *BadgerStore) SetPhase(_ context.Context, id string, phase model.Phase) error {
	return s.update(id, setPhase(phase))
}

func (s *BadgerStore) SetRenderedSpec(_ context.Context, id string, spec model.Spec) error {
	return s.update(id, setRenderedSpec(spec))
}

func (s *BadgerStore) SetVariable(_ context.Context, id, name string, value interface{}) error {
	return s.update(id, setVariable(name, value))
}

func (s *BadgerStore) UpdateMeasurementBackend(_ context.Context, id, name string, status map[string]interface{}) error {
	return s.update(id, updateMeasurementBackend(name, status))
}

func (s *BadgerStore) DeleteMeasurementBackend(_ context.Context, id, name string) error {
	return s.update(id, deleteMeasurementBackend(name))
}

// update runs a read-modify-write in one transaction, retrying when badger
// reports a conflicting concurrent write.
func (s *BadgerStore) update(id string, fn mutation) error {
	const maxAttempts = 5
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(badgerKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return model.NewNotFoundError(id)
			}
			if err != nil {
				return fmt.Errorf("failed to get policy: %w", err)
			}
			rec, p, err := readRecord(item)
			if err != nil {
				return err
			}

			fn(p)

			if rec.Policy, err = json.Marshal(p); err != nil {
				return fmt.Errorf("failed to encode policy %s: %w", id, err)
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			return txn.Set(badgerKey(id), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug().Str("policy_id", id).Int("attempt", attempt+1).Msg("Retrying conflicting update")
	}
	return err
}

func (s *BadgerStore) HealthCheck(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release sequence")
	}
	return s.db.Close()
}
