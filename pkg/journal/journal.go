// Package journal persists the outcome of each run in a badger database so
// runs can be inspected after the process exits.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
)

// ErrRunNotFound is returned when a run ID has no journal entry.
var ErrRunNotFound = errors.New("run not found")

// Config configures the journal database.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	InMemory   bool
	SyncWrites bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *logrus.Entry
}

// RunRecord summarizes one run.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	PlanID    string        `json:"plan_id"`
	Prompt    string        `json:"prompt,omitempty"`
	TaskFile  string        `json:"task_file,omitempty"`
	Groups    [][]string    `json:"groups"`
	Order     []string      `json:"order"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Completed int           `json:"completed"`
	Merged    int           `json:"merged"`
	Failed    int           `json:"failed"`
	Stalled   int           `json:"stalled"`
	Cancelled int           `json:"cancelled"`
}

// Journal stores run records keyed by run ID.
type Journal struct {
	db *badger.DB
}

// Open opens or creates the journal.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func metaKey(runID string) []byte {
	return []byte("run/" + runID + "/meta")
}

func trackPrefix(runID string) []byte {
	return []byte("run/" + runID + "/track/")
}

// Record writes the run summary and every track result in one transaction.
func (j *Journal) Record(runID, taskFile string, plan *orchestration.Plan, report *orchestration.ExecutionReport) error {
	record := RunRecord{
		RunID:     runID,
		PlanID:    plan.ID,
		Prompt:    plan.Prompt,
		TaskFile:  taskFile,
		Groups:    plan.Groups,
		Order:     report.Order,
		StartedAt: report.StartedAt,
		Duration:  report.Duration,
		Completed: report.Completed,
		Merged:    report.Merged,
		Failed:    report.Failed,
		Stalled:   report.Stalled,
		Cancelled: report.Cancelled,
	}

	return j.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		if err := txn.Set(metaKey(runID), data); err != nil {
			return err
		}

		for id, result := range report.Results {
			data, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal result for %s: %w", id, err)
			}
			if err := txn.Set(append(trackPrefix(runID), id...), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run returns the summary and track results of a run, results in plan order.
func (j *Journal) Run(runID string) (*RunRecord, []*orchestration.TrackResult, error) {
	var record RunRecord
	results := make(map[string]*orchestration.TrackResult)

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return fmt.Errorf("decode run record: %w", err)
		}

		prefix := trackPrefix(runID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var result orchestration.TrackResult
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &result)
			}); err != nil {
				return fmt.Errorf("decode track result: %w", err)
			}
			results[result.TrackID] = &result
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	ordered := make([]*orchestration.TrackResult, 0, len(results))
	for _, id := range record.Order {
		if r, ok := results[id]; ok {
			ordered = append(ordered, r)
		}
	}
	return &record, ordered, nil
}

// Runs returns every run summary, newest first.
func (j *Journal) Runs() ([]RunRecord, error) {
	var runs []RunRecord
	err := j.db.View(func(txn *badger.Txn) error {
		prefix := []byte("run/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if !strings.HasSuffix(string(it.Item().Key()), "/meta") {
				continue
			}
			var record RunRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return fmt.Errorf("decode run record: %w", err)
			}
			runs = append(runs, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(a, b int) bool {
		return runs[a].StartedAt.After(runs[b].StartedAt)
	})
	return runs, nil
}
