package credential

import "sync"

// EventType enumerates the credential lifecycle changes a Coordinator
// reports.
type EventType int

const (
	EventTokenAdded EventType = iota
	EventTokenRemoved
	EventTokenReplaced
	EventDefaultChanged
)

// String returns the event type's name.
func (t EventType) String() string {
	switch t {
	case EventTokenAdded:
		return "token-added"
	case EventTokenRemoved:
		return "token-removed"
	case EventTokenReplaced:
		return "token-replaced"
	case EventDefaultChanged:
		return "default-changed"
	default:
		return "unknown"
	}
}

// Event describes one storage-level change. ID is the affected token id; for
// EventDefaultChanged it is the new default id, empty when the default was
// cleared.
type Event struct {
	Type EventType
	ID   string
}

// observers is an explicit observer registry. Registration hands back a
// cancel func; there is no process-global notification center.
type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (o *observers) add(fn func(Event)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(Event))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers) publish(e Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
