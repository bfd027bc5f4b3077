package harness

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/strata/internal/filter"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/value"
)

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	reg         *schema.Registry
	logger      *slog.Logger
	storageOpts []storage.Option
}

// WithRegistry runs the scenario over reg instead of compiling its Schema.
func WithRegistry(reg *schema.Registry) Option {
	return func(c *runConfig) { c.reg = reg }
}

// WithLogger sets the logger handed to builders. Logs are discarded by
// default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithStorageOptions adds builder options after the scenario's own.
func WithStorageOptions(opts ...storage.Option) Option {
	return func(c *runConfig) { c.storageOpts = append(c.storageOpts, opts...) }
}

// scope is the builder steps run against plus the aliases they defined.
type scope struct {
	b       *storage.Builder
	aliases map[string]storage.EntityID
}

type runner struct {
	reg    *schema.Registry
	opts   []storage.Option
	result *Result
	step   int
}

// Run executes a test scenario and returns the result.
//
// Every scenario starts from an empty builder. Steps run in order; a step
// failing without an expected error stops the run. Assertions are then
// evaluated against the final builder. Run only returns an error when the
// scenario cannot be set up.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}
	reg := cfg.reg
	if reg == nil {
		var err error
		if reg, err = loadSchema(scenario.schemaPath()); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
	}

	mode, err := storage.ParseConsistencyMode(scenario.Consistency)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	if scenario.Consistency == "" {
		mode = storage.ConsistencyAlways
	}
	storageOpts := []storage.Option{storage.WithLogger(cfg.logger), storage.WithConsistency(mode)}
	if scenario.Seed != nil {
		storageOpts = append(storageOpts, storage.WithShuffleSeed(*scenario.Seed))
	}
	storageOpts = append(storageOpts, cfg.storageOpts...)

	r := &runner{reg: reg, opts: storageOpts, result: NewResult()}
	root := r.newScope(storage.NewBuilder(reg, storageOpts...))
	if err := r.runSteps(root, scenario.Steps, 0); err != nil {
		r.result.AddError(err.Error())
	}
	_ = root.b.WaitChecks()

	for _, a := range scenario.Assertions {
		if err := r.check(root, a); err != nil {
			r.result.AddError(err.Error())
		}
	}
	r.result.Dump = storage.Dump(root.b)
	r.result.Changes = countChanges(root.b, nil)
	r.result.Broken = !root.b.Consistent()
	return r.result, nil
}

func loadSchema(path string) (*schema.Registry, error) {
	if path == "" {
		return nil, fmt.Errorf("no schema given")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	if info.IsDir() {
		reg, _, err := schema.LoadDir(path)
		return reg, err
	}
	return schema.LoadFile(path)
}

func (r *runner) newScope(b *storage.Builder) *scope {
	return &scope{b: b, aliases: make(map[string]storage.EntityID)}
}

// runSteps runs steps in sc. The returned error is the first unexpected
// step failure.
func (r *runner) runSteps(sc *scope, steps []Step, depth int) error {
	for _, st := range steps {
		r.step++
		ev := TraceEvent{Step: r.step, Depth: depth, Op: st.op(), Detail: st.detail()}
		idx := len(r.result.Trace)
		r.result.Trace = append(r.result.Trace, ev)

		err := r.exec(sc, st, depth)
		if err != nil {
			r.result.Trace[idx].Error = errorLabel(err)
		}
		switch {
		case st.Error == "" && err != nil:
			return fmt.Errorf("step %d (%s): %w", ev.Step, ev.Op, err)
		case st.Error != "" && err == nil:
			r.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got none", ev.Step, ev.Op, st.Error))
		case st.Error != "" && !errorMatches(err, st.Error):
			r.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %v", ev.Step, ev.Op, st.Error, err))
		}
	}
	return nil
}

// exec runs one step. Contract violations panic inside storage; they are
// turned into step errors.
func (r *runner) exec(sc *scope, st Step, depth int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if perr, ok := p.(error); ok {
				err = perr
				return
			}
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	switch {
	case st.Add != nil:
		return r.add(sc, st.Add)
	case st.Modify != nil:
		return r.modify(sc, st.Modify)
	case st.Remove != nil:
		e, err := r.entity(sc, *st.Remove)
		if err != nil {
			return err
		}
		sc.b.RemoveEntity(e)
		return nil
	case st.AddChild != nil:
		return r.addChild(sc, st.AddChild)
	case st.ReplaceChildren != nil:
		return r.replaceChildren(sc, st.ReplaceChildren)
	case st.Snapshot:
		sc.b = sc.b.ToSnapshot().ToBuilder(r.opts...)
		return nil
	case st.ReplaceBySource != nil:
		pred, err := filter.Compile(st.ReplaceBySource.Filter)
		if err != nil {
			return err
		}
		with := r.newScope(storage.NewBuilder(r.reg, r.opts...))
		if err := r.runSteps(with, st.ReplaceBySource.With, depth+1); err != nil {
			return err
		}
		sc.b.ReplaceBySource(pred.Func(), with.b)
		return nil
	case len(st.ApplyChanges) > 0:
		diff := r.newScope(sc.b.ToSnapshot().ToBuilder(r.opts...))
		for k, id := range sc.aliases {
			diff.aliases[k] = id
		}
		if err := r.runSteps(diff, st.ApplyChanges, depth+1); err != nil {
			return err
		}
		sc.b.ApplyChangesFrom(diff.b)
		return nil
	}
	return fmt.Errorf("empty step")
}

func (r *runner) add(sc *scope, st *AddStep) error {
	fields, err := value.RecordFromMap(st.Fields)
	if err != nil {
		return fmt.Errorf("add %s: %w", st.Type, err)
	}
	links := make([]storage.Attachment, 0, len(st.Parents))
	for _, p := range st.Parents {
		conn, err := r.connection(p.Connection)
		if err != nil {
			return err
		}
		parent, err := r.entity(sc, p.Of)
		if err != nil {
			return err
		}
		links = append(links, storage.ParentLink(conn, parent))
	}
	e, err := sc.b.AddEntity(st.Type, st.Source.source(), fields, links...)
	if err != nil {
		return err
	}
	if st.As != "" {
		sc.aliases[st.As] = e.ID()
	}
	return nil
}

func (r *runner) modify(sc *scope, st *ModifyStep) error {
	e, err := r.entity(sc, st.Entity)
	if err != nil {
		return err
	}
	set, err := value.RecordFromMap(st.Set)
	if err != nil {
		return fmt.Errorf("modify %s: %w", st.Entity, err)
	}
	_, err = sc.b.ModifyEntity(e, func(m *storage.Mutable) {
		for _, k := range set.SortedKeys() {
			m.Set(k, set[k])
		}
		if st.Source != nil {
			m.SetSource(st.Source.source())
		}
	})
	return err
}

func (r *runner) addChild(sc *scope, st *AddChildStep) error {
	conn, err := r.connection(st.Connection)
	if err != nil {
		return err
	}
	child, err := r.entity(sc, st.Child)
	if err != nil {
		return err
	}
	var parent *storage.Entity
	if st.Parent != nil {
		if parent, err = r.entity(sc, *st.Parent); err != nil {
			return err
		}
	}
	return sc.b.AddChild(conn, parent, child)
}

func (r *runner) replaceChildren(sc *scope, st *ReplaceChildrenStep) error {
	conn, err := r.connection(st.Connection)
	if err != nil {
		return err
	}
	parent, err := r.entity(sc, st.Parent)
	if err != nil {
		return err
	}
	children := make([]*storage.Entity, 0, len(st.Children))
	for _, ref := range st.Children {
		c, err := r.entity(sc, ref)
		if err != nil {
			return err
		}
		children = append(children, c)
	}
	return sc.b.ReplaceChildren(conn, parent, children)
}

// entity resolves ref in sc's builder. An alias must still name a live
// entity.
func (r *runner) entity(sc *scope, ref EntityRef) (*storage.Entity, error) {
	if ref.Alias != "" {
		id, ok := sc.aliases[ref.Alias]
		if !ok {
			return nil, fmt.Errorf("unknown alias %q", ref.Alias)
		}
		e, ok := sc.b.Entity(id)
		if !ok {
			return nil, fmt.Errorf("%s (%s) does not exist", ref.Alias, id)
		}
		return e, nil
	}
	e, ok := sc.b.Resolve(storage.SymbolicID{Type: ref.Type, Key: ref.Key})
	if !ok {
		return nil, fmt.Errorf("%s does not exist", ref)
	}
	return e, nil
}

func (r *runner) connection(name string) (*schema.Connection, error) {
	conn, ok := r.reg.ConnectionByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", name)
	}
	return conn, nil
}

// errorLabel is the storage error code when there is one, otherwise the
// message.
func errorLabel(err error) string {
	var se *storage.StorageError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return err.Error()
}

func errorMatches(err error, want string) bool {
	return storage.HasCode(err, storage.ErrorCode(want)) || strings.Contains(err.Error(), want)
}

func (st Step) op() string {
	switch {
	case st.Add != nil:
		return "add"
	case st.Modify != nil:
		return "modify"
	case st.Remove != nil:
		return "remove"
	case st.AddChild != nil:
		return "add_child"
	case st.ReplaceChildren != nil:
		return "replace_children"
	case st.Snapshot:
		return "snapshot"
	case st.ReplaceBySource != nil:
		return "replace_by_source"
	case len(st.ApplyChanges) > 0:
		return "apply_changes"
	}
	return "empty"
}

func (st Step) detail() string {
	switch {
	case st.Add != nil:
		d := st.Add.Type
		if st.Add.As != "" {
			d += " as " + st.Add.As
		}
		return d
	case st.Modify != nil:
		return st.Modify.Entity.String()
	case st.Remove != nil:
		return st.Remove.String()
	case st.AddChild != nil:
		parent := "<none>"
		if st.AddChild.Parent != nil {
			parent = st.AddChild.Parent.String()
		}
		return fmt.Sprintf("%s %s -> %s", st.AddChild.Connection, parent, st.AddChild.Child)
	case st.ReplaceChildren != nil:
		names := make([]string, len(st.ReplaceChildren.Children))
		for i, c := range st.ReplaceChildren.Children {
			names[i] = c.String()
		}
		return fmt.Sprintf("%s %s [%s]", st.ReplaceChildren.Connection, st.ReplaceChildren.Parent, strings.Join(names, " "))
	case st.ReplaceBySource != nil:
		f := st.ReplaceBySource.Filter
		if f == "" {
			f = "<all>"
		}
		return f
	}
	return ""
}
