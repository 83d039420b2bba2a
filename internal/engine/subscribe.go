package engine

import "sync"

// Origin says which side of the sync boundary produced a change.
type Origin int

const (
	// OriginLocal marks changes committed by this node's own mutations.
	OriginLocal Origin = iota + 1
	// OriginRemote marks changes merged from a peer delta.
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Event is one committed change delivered to subscribers: the document,
// where the change came from, the post-commit view, and how many ops
// the commit carried. No-op merges (re-delivered deltas) produce no
// event.
type Event struct {
	Ref    Ref
	Origin Origin
	View   View
	Ops    int
}

// Filter selects which documents a subscription observes.
type Filter func(Ref) bool

// FilterAll observes every document.
func FilterAll() Filter {
	return func(Ref) bool { return true }
}

// FilterNamespace observes every document in one namespace.
func FilterNamespace(ns string) Filter {
	return func(r Ref) bool { return r.Namespace == ns }
}

// FilterDocument observes exactly one document.
func FilterDocument(ref Ref) Filter {
	return func(r Ref) bool { return r == ref }
}

// Subscribe delivers every committed change of one document to fn,
// synchronously, in commit order from the mutating goroutine. The
// callback runs without the document lock, so it may Read any document;
// mutating from inside a callback is allowed but feeds back into the
// same delivery path. Returns a cancel function; cancel is idempotent.
func (s *Store) Subscribe(ref Ref, fn func(Event)) (cancel func()) {
	return s.SubscribeFilter(FilterDocument(ref), fn)
}

// SubscribeNamespace delivers changes of every document in a namespace.
func (s *Store) SubscribeNamespace(ns string, fn func(Event)) (cancel func()) {
	return s.SubscribeFilter(FilterNamespace(ns), fn)
}

// SubscribeFilter delivers changes of every document the filter admits.
func (s *Store) SubscribeFilter(f Filter, fn func(Event)) (cancel func()) {
	return s.subs.add(f, fn)
}

// subscribers is the registry behind Subscribe. A plain locked map:
// subscription churn is rare next to notification traffic.
type subscribers struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscription
}

type subscription struct {
	filter Filter
	fn     func(Event)
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[int]*subscription)}
}

func (r *subscribers) add(f Filter, fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = &subscription{filter: f, fn: fn}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// notify fans one event out to every matching subscription. Callbacks
// run inline; a slow subscriber slows its own mutator, nothing else.
func (r *subscribers) notify(ev Event) {
	r.mu.RLock()
	matched := make([]func(Event), 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.filter(ev.Ref) {
			matched = append(matched, sub.fn)
		}
	}
	r.mu.RUnlock()

	for _, fn := range matched {
		fn(ev)
	}
}

func (r *subscribers) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
