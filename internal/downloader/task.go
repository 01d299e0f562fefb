package downloader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/bookshelf_cache/internal/book"
)

// TaskState is the lifecycle state of a download task.
// queued -> inProgress -> {completed | failed | cancelled}. A failed key is
// only retried through a new explicit Request, which creates a fresh task.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateInProgress TaskState = "in_progress"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
)

// Result is delivered to each waiter exactly once when its task settles.
type Result struct {
	Path string
	Err  error
}

// task is one in-flight transfer. At most one non-terminal task exists per
// key; concurrent requests attach as additional waiters instead of starting
// a second transfer.
type task struct {
	key       book.Key
	sourceURL string
	meta      book.Meta

	bytesRead  atomic.Int64
	totalBytes atomic.Int64 // -1 while unknown

	mu        sync.Mutex
	state     TaskState
	attempts  int
	waiters   []chan Result
	cancelled bool
	cancelRun context.CancelFunc
	createdAt time.Time
}

func newTask(key book.Key, sourceURL string, meta book.Meta) *task {
	t := &task{
		key:       key,
		sourceURL: sourceURL,
		meta:      meta,
		state:     StateQueued,
		createdAt: time.Now(),
	}
	t.totalBytes.Store(-1)

	return t
}

// attach registers another waiter. Each waiter holds one cancellation
// reference; the transfer aborts only when every waiter has cancelled.
func (t *task) attach(out chan Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.waiters = append(t.waiters, out)
}

// cancelOne detaches the most recently attached waiter, delivering
// ErrCancelled to it alone, and reports how many waiters remain. The caller
// aborts the transfer when the count reaches zero.
func (t *task) cancelOne(cancelErr error) (remaining int, detached bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.waiters) == 0 {
		return 0, false
	}

	last := t.waiters[len(t.waiters)-1]
	t.waiters = t.waiters[:len(t.waiters)-1]

	select {
	case last <- Result{Err: cancelErr}:
	default:
	}

	return len(t.waiters), true
}

// markCancelled flips the task to cancelling and aborts a running transfer.
func (t *task) markCancelled() {
	t.mu.Lock()
	cancel := t.cancelRun
	t.cancelled = true
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancelled
}

func (t *task) setCancelRun(cancel context.CancelFunc) {
	t.mu.Lock()
	alreadyCancelled := t.cancelled
	t.cancelRun = cancel
	t.mu.Unlock()

	// Cancel may have raced task pickup; honor it.
	if alreadyCancelled {
		cancel()
	}
}

func (t *task) setState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = state
}

func (t *task) incAttempts() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts++
}

// resolve delivers the terminal result to every remaining waiter.
func (t *task) resolve(res Result) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- res:
		default:
		}
	}
}

// progress returns the transfer ratio in [0,1], or -1 when the total is
// unknown (indeterminate).
func (t *task) progress() float64 {
	total := t.totalBytes.Load()
	if total <= 0 {
		return -1
	}

	p := float64(t.bytesRead.Load()) / float64(total)
	if p > 1 {
		p = 1
	}

	return p
}
