package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/NiccoloCase/cognitive-workflow/core"
	"github.com/NiccoloCase/cognitive-workflow/logging"
)

// LatestVersion is the version selector for the active version of an id.
const LatestVersion = "latest"

// Options configures a Registry.
type Options struct {
	// Validate runs on every Register and Update before the instance is stored.
	Validate func(inst core.Instance) error
	Logger   logging.Logger
}

// Filter narrows List results. Zero value lists everything.
type Filter struct {
	ID           string
	RunnableOnly bool
	Labels       map[string]string
}

func (f Filter) match(meta core.Metadata, runnable bool) bool {
	if f.ID != "" && meta.ID != f.ID {
		return false
	}
	if f.RunnableOnly && !runnable {
		return false
	}
	for k, v := range f.Labels {
		if meta.Labels[k] != v {
			return false
		}
	}
	return true
}

// RegisterOption tweaks a single Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace allows Register to overwrite an existing (id, version).
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

type entry[T any] struct {
	inst       T
	version    *semver.Version
	deprecated bool
}

func (e *entry[T]) runnable(meta core.Metadata) bool {
	return meta.Enabled && !e.deprecated
}

// slot holds every version of one id. Writers hold mu exclusively; readers of
// other ids never touch it.
type slot[T core.Instance] struct {
	mu       sync.RWMutex
	versions map[string]*entry[T]
	pinned   string
}

// Registry is a concurrency-safe store of versioned instances of one kind.
type Registry[T core.Instance] struct {
	kind     core.InstanceKind
	validate func(inst core.Instance) error
	logger   logging.Logger

	mu    sync.RWMutex // guards slots map membership only
	slots map[string]*slot[T]

	notifyMu sync.Mutex
	notify   chan struct{}
}

// New creates an empty registry for instances of the given kind.
func New[T core.Instance](kind core.InstanceKind, optFns ...func(o *Options)) *Registry[T] {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry[T]{
		kind:     kind,
		validate: opts.Validate,
		logger:   logging.OrNop(opts.Logger),
		slots:    make(map[string]*slot[T]),
		notify:   make(chan struct{}),
	}
}

// Kind returns the instance kind held by the registry.
func (r *Registry[T]) Kind() core.InstanceKind { return r.kind }

// Register adds inst. It fails with a ConflictError when (id, version) already
// exists, unless WithReplace is given.
func (r *Registry[T]) Register(inst T, opts ...RegisterOption) error {
	var ro registerOptions
	for _, o := range opts {
		o(&ro)
	}

	meta := inst.Meta()
	v, err := r.check(inst, meta)
	if err != nil {
		return err
	}

	s := r.slotFor(meta.ID, true)
	s.mu.Lock()
	key := v.String()
	existing, exists := s.versions[key]
	if exists && !ro.replace {
		s.mu.Unlock()
		return &core.ConflictError{Kind: r.kind, ID: meta.ID, Version: key}
	}
	e := &entry[T]{inst: inst, version: v}
	if exists {
		e.deprecated = existing.deprecated
	}
	s.versions[key] = e
	s.mu.Unlock()

	r.logger.Debug("registry.instance.registered", "kind", string(r.kind), "id", meta.ID, "version", key, "replaced", exists)
	r.broadcast()
	return nil
}

// Update replaces an existing (id, version). It never creates.
func (r *Registry[T]) Update(inst T) error {
	meta := inst.Meta()
	v, err := r.check(inst, meta)
	if err != nil {
		return err
	}
	s := r.slotFor(meta.ID, false)
	if s == nil {
		return r.notFound(meta.ID, meta.Version)
	}
	s.mu.Lock()
	key := v.String()
	existing, ok := s.versions[key]
	if !ok {
		s.mu.Unlock()
		return r.notFound(meta.ID, meta.Version)
	}
	s.versions[key] = &entry[T]{inst: inst, version: v, deprecated: existing.deprecated}
	s.mu.Unlock()

	r.broadcast()
	return nil
}

// Resolve returns the runnable instance for id. version may be an exact
// version, "" or "latest" for the active version, or a semver constraint.
func (r *Registry[T]) Resolve(id, version string) (T, error) {
	var zero T
	s := r.slotFor(id, false)
	if s == nil {
		return zero, r.notFound(id, version)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.resolve(version)
	if e == nil {
		return zero, r.notFound(id, version)
	}
	return e.inst, nil
}

// WaitResolve blocks until Resolve(id, version) succeeds or ctx ends.
func (r *Registry[T]) WaitResolve(ctx context.Context, id, version string) (T, error) {
	for {
		// grab the channel before looking so a mutation in between still wakes us
		ch := r.changed()
		inst, err := r.Resolve(id, version)
		if err == nil || !errors.Is(err, core.ErrNotFound) {
			return inst, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("wait for %s %s: %w", r.kind, core.InstanceRef{ID: id, Version: version}, ctx.Err())
		case <-ch:
		}
	}
}

// List returns a lazy sequence of instances ordered by id then version. Each
// iteration takes a fresh snapshot, so the sequence can be ranged repeatedly.
func (r *Registry[T]) List(filter Filter) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, inst := range r.snapshot(filter) {
			if !yield(inst) {
				return
			}
		}
	}
}

// Versions lists the known versions of id in ascending semver order.
func (r *Registry[T]) Versions(id string) []string {
	s := r.slotFor(id, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.versions))
	for _, e := range s.sorted() {
		out = append(out, e.version.String())
	}
	return out
}

// Deprecate marks (id, version) as no longer runnable. Deprecating the pinned
// version clears the pin.
func (r *Registry[T]) Deprecate(id, version string) error {
	return r.mutate(id, version, func(s *slot[T], key string, e *entry[T]) error {
		e.deprecated = true
		if s.pinned == key {
			s.pinned = ""
		}
		return nil
	})
}

// Activate pins (id, version) as the active version. It must be runnable.
func (r *Registry[T]) Activate(id, version string) error {
	return r.mutate(id, version, func(s *slot[T], key string, e *entry[T]) error {
		if !e.runnable(e.inst.Meta()) {
			return fmt.Errorf("activate %s@%s: %w", id, key, r.notFound(id, version))
		}
		s.pinned = key
		return nil
	})
}

// Remove deletes (id, version).
func (r *Registry[T]) Remove(id, version string) error {
	return r.mutate(id, version, func(s *slot[T], key string, _ *entry[T]) error {
		delete(s.versions, key)
		if s.pinned == key {
			s.pinned = ""
		}
		return nil
	})
}

func (r *Registry[T]) mutate(id, version string, fn func(s *slot[T], key string, e *entry[T]) error) error {
	v, err := parseVersion(version)
	if err != nil {
		return r.notFound(id, version)
	}
	s := r.slotFor(id, false)
	if s == nil {
		return r.notFound(id, version)
	}
	key := v.String()
	s.mu.Lock()
	e, ok := s.versions[key]
	if !ok {
		s.mu.Unlock()
		return r.notFound(id, version)
	}
	err = fn(s, key, e)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	r.broadcast()
	return nil
}

func (r *Registry[T]) check(inst T, meta core.Metadata) (*semver.Version, error) {
	if strings.TrimSpace(meta.ID) == "" {
		return nil, &core.InvalidDefinitionError{Reason: "missing id"}
	}
	if meta.Kind != "" && meta.Kind != r.kind {
		return nil, &core.InvalidDefinitionError{ID: meta.ID, Reason: fmt.Sprintf("kind %q registered in %s registry", meta.Kind, r.kind)}
	}
	v, err := parseVersion(meta.Version)
	if err != nil {
		return nil, &core.InvalidDefinitionError{ID: meta.ID, Reason: "invalid version", Err: err}
	}
	if r.validate != nil {
		if err := r.validate(inst); err != nil {
			var ide *core.InvalidDefinitionError
			if errors.As(err, &ide) {
				return nil, err
			}
			return nil, &core.InvalidDefinitionError{ID: meta.ID, Reason: "validation failed", Err: err}
		}
	}
	return v, nil
}

func (r *Registry[T]) slotFor(id string, create bool) *slot[T] {
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if ok || !create {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.slots[id]; ok {
		return s
	}
	// slots are never removed from the map, so a held *slot stays authoritative
	s = &slot[T]{versions: make(map[string]*entry[T])}
	r.slots[id] = s
	return s
}

func (r *Registry[T]) snapshot(filter Filter) []T {
	r.mu.RLock()
	ids := make([]string, 0, len(r.slots))
	slots := make(map[string]*slot[T], len(r.slots))
	for id, s := range r.slots {
		if filter.ID != "" && id != filter.ID {
			continue
		}
		ids = append(ids, id)
		slots[id] = s
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	var out []T
	for _, id := range ids {
		s := slots[id]
		s.mu.RLock()
		for _, e := range s.sorted() {
			meta := e.inst.Meta()
			if filter.match(meta, e.runnable(meta)) {
				out = append(out, e.inst)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *Registry[T]) changed() <-chan struct{} {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.notify
}

func (r *Registry[T]) broadcast() {
	r.notifyMu.Lock()
	close(r.notify)
	r.notify = make(chan struct{})
	r.notifyMu.Unlock()
}

func (r *Registry[T]) notFound(id, version string) error {
	return &core.NotFoundError{Kind: r.kind, ID: id, Version: version}
}

// resolve must be called with s.mu held. It returns nil when no runnable
// version satisfies the selector.
func (s *slot[T]) resolve(version string) *entry[T] {
	sel := strings.TrimSpace(version)
	if sel == "" || sel == LatestVersion {
		if s.pinned != "" {
			if e, ok := s.versions[s.pinned]; ok && e.runnable(e.inst.Meta()) {
				return e
			}
		}
		return s.highest(nil)
	}

	if isPlainVersion(sel) {
		v, err := semver.NewVersion(sel)
		if err != nil {
			return nil
		}
		// "1.0" is the version registered as "1.0", not the 1.0.x range
		e, ok := s.versions[v.String()]
		if !ok || !e.runnable(e.inst.Meta()) {
			return nil
		}
		return e
	}

	c, err := semver.NewConstraint(sel)
	if err != nil {
		return nil
	}
	return s.highest(c)
}

// isPlainVersion reports whether sel names a single version rather than a
// constraint: no operators, ranges or wildcard segments.
func isPlainVersion(sel string) bool {
	if strings.ContainsAny(sel, "<>=!~^*|, ") {
		return false
	}
	base, _, _ := strings.Cut(strings.TrimPrefix(sel, "v"), "-")
	base, _, _ = strings.Cut(base, "+")
	for _, seg := range strings.Split(base, ".") {
		if seg == "x" || seg == "X" {
			return false
		}
	}
	return true
}

func (s *slot[T]) highest(c *semver.Constraints) *entry[T] {
	var best *entry[T]
	for _, e := range s.versions {
		if !e.runnable(e.inst.Meta()) {
			continue
		}
		if c != nil && !c.Check(e.version) {
			continue
		}
		if best == nil || e.version.GreaterThan(best.version) {
			best = e
		}
	}
	return best
}

func (s *slot[T]) sorted() []*entry[T] {
	out := make([]*entry[T], 0, len(s.versions))
	for _, e := range s.versions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version.LessThan(out[j].version) })
	return out
}

func parseVersion(s string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimSpace(s))
}
