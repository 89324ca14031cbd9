// Package prep tracks node preparation across process restarts. Two
// sentinel files under the preparation directory carry the durable
// outcome: finished means the node completed its bootstrap at least
// once, failed means a run is in flight or died before completing.
// Every transition is also appended to a local journal so a run can be
// reconstructed after the fact.
package prep

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/wait"

	"cascade/pkg/metrics"
	"cascade/pkg/oci"
	"cascade/pkg/store"
)

// State describes where a node is in its preparation lifecycle.
type State string

const (
	StateNotStarted State = "NotStarted"
	StateRunning    State = "Running"
	StateReady      State = "Ready"
	StateFailed     State = "Failed"
)

var (
	// ErrAlreadyFinished is returned by Begin when a previous run
	// completed successfully. Callers short-circuit to a no-op.
	ErrAlreadyFinished = errors.New("node preparation already finished")
	// ErrPreviousRunFailed is returned by Begin when a previous run died
	// before completing. The node carries unknown partial state, which
	// needs an operator rather than a silent retry.
	ErrPreviousRunFailed = errors.New("previous node preparation failed")
)

const (
	finishedFile = "finished"
	failedFile   = "failed"
	journalDir   = "journal"
)

var entryPrefix = []byte("entry/")

// Entry is a single journaled transition.
type Entry struct {
	Seq    uint64    `json:"seq"`
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

type MachineConfig struct {
	Fs              afero.Fs
	InMemoryJournal bool
}

func (c *MachineConfig) Apply(opts ...MachineOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return err
		}
	}
	return nil
}

type MachineOption func(*MachineConfig) error

// WithSentinelFs sets the filesystem holding the sentinel files.
func WithSentinelFs(fs afero.Fs) MachineOption {
	return func(c *MachineConfig) error {
		if fs == nil {
			return errors.New("sentinel filesystem cannot be nil")
		}
		c.Fs = fs
		return nil
	}
}

// WithInMemoryJournal keeps the transition journal in memory instead of
// on disk under the preparation directory.
func WithInMemoryJournal() MachineOption {
	return func(c *MachineConfig) error {
		c.InMemoryJournal = true
		return nil
	}
}

// Machine is the node preparation state machine. It persists outcomes
// through the sentinel files and appends every transition to the
// journal, so a node that reboots mid-run is detected instead of
// reporting false success.
type Machine struct {
	fs  afero.Fs
	dir string
	db  *badger.DB
	seq *badger.Sequence

	mx    sync.RWMutex
	state State
}

// NewMachine opens the preparation state for dir, creating the
// directory and journal as needed.
func NewMachine(dir string, opts ...MachineOption) (*Machine, error) {
	cfg := MachineConfig{
		Fs: afero.NewOsFs(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, errors.New("node preparation needs a directory")
	}
	err = cfg.Fs.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create preparation directory: %w", err)
	}
	badgerOpts := badger.DefaultOptions(filepath.Join(dir, journalDir))
	if cfg.InMemoryJournal {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts.Logger = nil
	badgerOpts = badgerOpts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("could not open preparation journal: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq"), 16)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not open journal sequence: %w", err), db.Close())
	}
	return &Machine{
		fs:    cfg.Fs,
		dir:   dir,
		db:    db,
		seq:   seq,
		state: StateNotStarted,
	}, nil
}

// Close releases the journal.
func (m *Machine) Close() error {
	return errors.Join(m.seq.Release(), m.db.Close())
}

// State reports the in-process state of the current run.
func (m *Machine) State() State {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.state
}

// Inspect reports the state persisted under dir from the sentinel files
// alone. It does not open the journal, so it is safe to call while
// another process holds the machine.
func Inspect(fs afero.Fs, dir string) (State, error) {
	if dir == "" {
		return StateNotStarted, errors.New("node preparation needs a directory")
	}
	finished, err := afero.Exists(fs, filepath.Join(dir, finishedFile))
	if err != nil {
		return StateNotStarted, fmt.Errorf("could not inspect finished marker: %w", err)
	}
	if finished {
		return StateReady, nil
	}
	failed, err := afero.Exists(fs, filepath.Join(dir, failedFile))
	if err != nil {
		return StateNotStarted, fmt.Errorf("could not inspect failed marker: %w", err)
	}
	if failed {
		return StateFailed, nil
	}
	return StateNotStarted, nil
}

// Inspect reports the machine's persisted state.
func (m *Machine) Inspect() (State, error) {
	return Inspect(m.fs, m.dir)
}

// Begin starts a preparation run. A finished sentinel from an earlier
// run returns ErrAlreadyFinished, a failed sentinel without a finished
// one returns ErrPreviousRunFailed. Otherwise the failed marker is
// written before anything else, so a crash or cancellation at any later
// point is visible to the next run.
func (m *Machine) Begin(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx).WithName("prep")
	state, err := m.Inspect()
	if err != nil {
		return err
	}
	switch state {
	case StateReady:
		m.setState(StateReady)
		return ErrAlreadyFinished
	case StateFailed:
		m.setState(StateFailed)
		return ErrPreviousRunFailed
	}
	err = m.write(failedFile, "")
	if err != nil {
		return fmt.Errorf("could not write failed marker: %w", err)
	}
	err = m.transition(StateRunning, "")
	if err != nil {
		return err
	}
	log.Info("node preparation started", "dir", m.dir)
	return nil
}

// Complete records a successful run. The finished marker lands before
// the failed marker is cleared, so a crash between the two writes still
// reads as success afterwards.
func (m *Machine) Complete(ctx context.Context) error {
	err := m.write(finishedFile, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("could not write finished marker: %w", err)
	}
	err = m.fs.Remove(filepath.Join(m.dir, failedFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not clear failed marker: %w", err)
	}
	err = m.transition(StateReady, "")
	if err != nil {
		return err
	}
	logr.FromContextOrDiscard(ctx).WithName("prep").Info("node preparation finished")
	return nil
}

// Fail records a failed run. The failed marker written by Begin stays
// in place, refreshed with the cause for the operator.
func (m *Machine) Fail(ctx context.Context, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	err := m.write(failedFile, detail)
	if err != nil {
		return fmt.Errorf("could not write failed marker: %w", err)
	}
	err = m.transition(StateFailed, detail)
	if err != nil {
		return err
	}
	logr.FromContextOrDiscard(ctx).WithName("prep").Error(cause, "node preparation failed")
	return nil
}

// Journal returns every journaled transition in sequence order.
func (m *Machine) Journal() ([]Entry, error) {
	entries := []Entry{}
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(entryPrefix); it.ValidForPrefix(entryPrefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				entry := Entry{}
				err := json.Unmarshal(v, &entry)
				if err != nil {
					return fmt.Errorf("could not decode journal entry: %w", err)
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Machine) transition(state State, detail string) error {
	n, err := m.seq.Next()
	if err != nil {
		return fmt.Errorf("could not advance journal sequence: %w", err)
	}
	entry := Entry{
		Seq:    n,
		State:  state,
		Detail: detail,
		Time:   time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("could not encode journal entry: %w", err)
	}
	// Big endian sequence keys keep badger's key order equal to the
	// transition order.
	key := append([]byte{}, entryPrefix...)
	key = binary.BigEndian.AppendUint64(key, n)
	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("could not journal transition: %w", err)
	}
	m.setState(state)
	metrics.PrepTransitionsTotal.WithLabelValues(string(state)).Inc()
	return nil
}

func (m *Machine) setState(state State) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.state = state
}

func (m *Machine) write(name, detail string) error {
	return afero.WriteFile(m.fs, filepath.Join(m.dir, name), []byte(detail), 0o644)
}

// DefaultPollInterval is how often WaitForImages checks the store.
const DefaultPollInterval = 2 * time.Second

// WaitForImages blocks until every image is present in the store,
// checking at the given interval. There is no internal timeout, the
// caller's context bounds the wait.
func WaitForImages(ctx context.Context, imgStore store.Store, imgs []oci.Image, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	log := logr.FromContextOrDiscard(ctx).WithName("prep")
	return wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		for _, img := range imgs {
			present, err := imgStore.Present(ctx, img)
			if err != nil {
				log.Error(err, "could not check image presence", "image", img.String())
				return false, nil
			}
			if !present {
				return false, nil
			}
		}
		return true, nil
	})
}
