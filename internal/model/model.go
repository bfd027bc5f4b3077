package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
)

var (
	// ErrNoChange is returned by Update when the transaction is a net no-op.
	// Nothing is committed or published.
	ErrNoChange = errors.New("model: update changed nothing")

	// ErrClosed is returned by Update after Stop.
	ErrClosed = errors.New("model: closed")
)

// ChangeSet describes one committed transaction.
type ChangeSet struct {
	ID          uuid.UUID
	Version     int64
	Description string
	Before      *storage.Snapshot
	After       *storage.Snapshot
	Changes     map[schema.TypeID][]storage.EntityChange

	// Stored is the version assigned by the Persister, or 0 without one.
	Stored int64
}

// Counts tallies the changes by kind.
func (cs *ChangeSet) Counts() (added, removed, replaced int) {
	for _, changes := range cs.Changes {
		for _, c := range changes {
			switch c.(type) {
			case storage.Added:
				added++
			case storage.Removed:
				removed++
			case storage.Replaced:
				replaced++
			}
		}
	}
	return added, removed, replaced
}

// Listener receives published change sets on the Run goroutine.
type Listener func(*ChangeSet)

// Persister saves committed snapshots. *persist.Store implements it.
type Persister interface {
	Save(ctx context.Context, label string, s storage.Storage) (int64, error)
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) {
		if l != nil {
			m.log = l
		}
	}
}

// WithIDGenerator overrides the change-set id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Model) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithPersister saves every committed snapshot before it becomes current.
func WithPersister(p Persister) Option {
	return func(m *Model) { m.persister = p }
}

// WithStorageOptions configures the builders handed to Update callbacks.
func WithStorageOptions(opts ...storage.Option) Option {
	return func(m *Model) { m.storageOpts = append(m.storageOpts, opts...) }
}

// WithInitial starts the model at snap instead of an empty snapshot. snap
// must be built over the model's registry.
func WithInitial(snap *storage.Snapshot) Option {
	return func(m *Model) { m.initial = snap }
}

type subscription struct {
	id int
	fn Listener
}

// Model is a versioned pointer to the current workspace snapshot.
//
// Thread-safety model:
//   - Current(), Version(), Subscribe(): safe from any goroutine
//   - Update(): safe from any goroutine; transactions are serialized
//   - Run(): must be called from exactly one goroutine
//
// Listeners see change sets in commit order, one at a time, on the Run
// goroutine. Commits queue until Run dispatches them.
type Model struct {
	reg         *schema.Registry
	log         *slog.Logger
	ids         IDGenerator
	persister   Persister
	storageOpts []storage.Option
	initial     *storage.Snapshot

	writer  sync.Mutex
	current atomic.Pointer[storage.Snapshot]
	version atomic.Int64
	closed  atomic.Bool
	queue   *changeQueue

	mu        sync.Mutex
	listeners []subscription
	nextSub   int
}

// New returns a model over reg holding an empty snapshot, or the one given
// by WithInitial.
func New(reg *schema.Registry, opts ...Option) *Model {
	m := &Model{
		reg:   reg,
		log:   slog.Default(),
		ids:   UUIDv7Generator{},
		queue: newChangeQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	start := m.initial
	if start == nil || start.Registry() != reg {
		if start != nil {
			m.log.Error("initial snapshot built over another registry, starting empty")
		}
		start = storage.Empty(reg)
	}
	m.initial = nil
	m.current.Store(start)
	return m
}

// Registry returns the registry the model was built over.
func (m *Model) Registry() *schema.Registry { return m.reg }

// Current returns the latest committed snapshot.
func (m *Model) Current() *storage.Snapshot { return m.current.Load() }

// Version returns the number of commits so far.
func (m *Model) Version() int64 { return m.version.Load() }

// Update runs fn against a builder derived from the current snapshot and
// commits the result.
//
// If fn returns an error the transaction is discarded. If the builder ends
// up a net no-op, ErrNoChange is returned. With a Persister the snapshot
// is saved first and a failed save discards the transaction. Otherwise the
// new snapshot becomes current and its change set is queued for Run.
func (m *Model) Update(ctx context.Context, description string, fn func(*storage.Builder) error) (*ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.writer.Lock()
	defer m.writer.Unlock()

	if m.closed.Load() {
		return nil, ErrClosed
	}

	before := m.current.Load()
	b := before.ToBuilder(append([]storage.Option{storage.WithLogger(m.log)}, m.storageOpts...)...)
	if err := fn(b); err != nil {
		return nil, fmt.Errorf("update %q: %w", description, err)
	}
	if b.HasSameEntities() {
		m.log.Debug("update changed nothing, not committed", "description", description)
		return nil, ErrNoChange
	}

	cs := &ChangeSet{
		ID:          m.ids.Next(),
		Description: description,
		Before:      before,
		Changes:     b.CollectChanges(),
	}
	cs.After = b.ToSnapshot()

	if m.persister != nil {
		stored, err := m.persister.Save(ctx, description, cs.After)
		if err != nil {
			return nil, fmt.Errorf("update %q: persist: %w", description, err)
		}
		cs.Stored = stored
	}

	cs.Version = m.version.Add(1)
	m.current.Store(cs.After)
	m.queue.Enqueue(cs)

	added, removed, replaced := cs.Counts()
	m.log.Info("update committed",
		"id", cs.ID,
		"version", cs.Version,
		"description", description,
		"added", added,
		"removed", removed,
		"replaced", replaced,
		"broken", cs.After.Broken(),
	)
	return cs, nil
}

// Subscribe registers fn for change sets dispatched from now on. The
// returned cancel func removes it and may be called more than once.
func (m *Model) Subscribe(fn Listener) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Run dispatches queued change sets to listeners until ctx is done or Stop
// is called. After Stop it delivers what was already committed and returns
// nil; on cancellation it returns ctx.Err().
func (m *Model) Run(ctx context.Context) error {
	m.log.Debug("model dispatch starting")
	for {
		if cs, ok := m.queue.TryDequeue(); ok {
			m.dispatch(cs)
			continue
		}

		select {
		case <-ctx.Done():
			m.log.Debug("model dispatch stopping: context cancelled")
			m.Stop()
			return ctx.Err()

		case _, open := <-m.queue.Wait():
			if open {
				continue
			}
			for {
				cs, ok := m.queue.TryDequeue()
				if !ok {
					break
				}
				m.dispatch(cs)
			}
			m.log.Debug("model dispatch stopping: closed")
			return nil
		}
	}
}

// Stop rejects further updates and lets Run return once the queue drains.
func (m *Model) Stop() {
	m.writer.Lock()
	defer m.writer.Unlock()
	m.closed.Store(true)
	m.queue.Close()
}

// dispatch hands cs to the listeners subscribed at this moment. A panicking
// listener is logged and the others still run.
func (m *Model) dispatch(cs *ChangeSet) {
	m.mu.Lock()
	subs := make([]subscription, len(m.listeners))
	copy(subs, m.listeners)
	m.mu.Unlock()

	for _, s := range subs {
		m.deliver(s.fn, cs)
	}
}

func (m *Model) deliver(fn Listener, cs *ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", "id", cs.ID, "version", cs.Version, "panic", r)
		}
	}()
	fn(cs)
}
