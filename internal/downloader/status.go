package downloader

import (
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
)

// StatusKind is the externally visible cache state of a key.
type StatusKind string

const (
	StatusNotCached   StatusKind = "not_cached"
	StatusDownloading StatusKind = "downloading"
	StatusCached      StatusKind = "cached"
)

// Status is the answer to "is this book available locally".
type Status struct {
	Kind           StatusKind
	Progress       float64 // [0,1] while downloading, -1 when indeterminate
	SizeBytes      int64
	LastAccessedAt time.Time
}

// EventType labels the events published on the subscription stream.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one progress or terminal notification for a task. The stream is
// best-effort: slow subscribers miss events rather than stall transfers.
type Event struct {
	Type     EventType
	Key      book.Key
	Progress float64
	Path     string
	Err      error
}

// Subscribe registers an event listener. The returned stop function must be
// called to release the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++

	ch := make(chan Event, 64)
	m.subs[id] = ch

	stop := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()

		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}

	return ch, stop
}

func (m *Manager) publish(event Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, sub := range m.subs {
		select {
		case sub <- event:
		default:
		}
	}
}
