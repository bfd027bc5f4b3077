package storage

// Query is an opaque token for a derived computation over a snapshot.
// Queries compare by identity, so declare each one once, usually as a
// package-level variable.
type Query[T any] struct {
	name    string
	compute func(*Snapshot) T
}

// NewQuery declares a cached computation.
func NewQuery[T any](name string, compute func(*Snapshot) T) *Query[T] {
	return &Query[T]{name: name, compute: compute}
}

// Name returns the label the query was declared with.
func (q *Query[T]) Name() string { return q.name }

// Cached returns q's result for s, computing it at most once per snapshot
// in the absence of races. Concurrent first calls may compute more than
// once; all callers observe the first stored result.
func Cached[T any](s *Snapshot, q *Query[T]) T {
	if v, ok := s.cache.Load(q); ok {
		return v.(T)
	}
	v, _ := s.cache.LoadOrStore(q, q.compute(s))
	return v.(T)
}
