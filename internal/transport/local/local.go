// Package local provides an in-process communicator: every rank is a
// goroutine inside one OS process, and messages travel through shared
// mailboxes. It backs the test suite and the bench harness.
//
// Matching follows the MPI rule: messages between one (sender, receiver,
// tag) triple match posted receives in FIFO order. Sends are buffered — the
// payload is captured at post time and the send request completes
// immediately.
package local

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meshcomm/internal/transport/match"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/errors"
)

// World is a fixed-size group of in-process ranks.
type World struct {
	size      int
	mailboxes []*match.Mailbox

	winMu   sync.Mutex
	windows []*sharedWindow
	winIdx  []int
}

// NewWorld creates a world of n ranks.
func NewWorld(n int) *World {
	w := &World{
		size:      n,
		mailboxes: make([]*match.Mailbox, n),
		winIdx:    make([]int, n),
	}
	for i := range w.mailboxes {
		w.mailboxes[i] = match.NewMailbox()
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// Comm returns rank's endpoint in this world.
func (w *World) Comm(rank int) comm.Comm {
	return &endpoint{world: w, rank: rank}
}

// Run launches fn once per rank, each on its own goroutine, and waits for
// all of them. Ranks run to completion the way processes in a job do; the
// first error is the one returned.
func Run(n int, fn func(c comm.Comm) error) error {
	w := NewWorld(n)
	var g errgroup.Group
	for rank := 0; rank < n; rank++ {
		c := w.Comm(rank)
		g.Go(func() error { return fn(c) })
	}
	return g.Wait()
}

type endpoint struct {
	world *World
	rank  int
}

func (e *endpoint) Rank() int { return e.rank }

func (e *endpoint) Size() int { return e.world.size }

func (e *endpoint) Isend(buf []byte, dest, tag int) (comm.Request, error) {
	if dest < 0 || dest >= e.world.size {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"send destination %d out of range [0,%d)", dest, e.world.size))
	}

	// Buffered send: capture the payload so the caller may reuse buf.
	var payload []byte
	if len(buf) > 0 {
		payload = append([]byte(nil), buf...)
	}

	e.world.mailboxes[dest].Deliver(e.rank, tag, payload)
	return match.Completed(), nil
}

func (e *endpoint) Irecv(buf []byte, source, tag int) (comm.Request, error) {
	if source < 0 || source >= e.world.size {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"receive source %d out of range [0,%d)", source, e.world.size))
	}
	return e.world.mailboxes[e.rank].Post(source, tag, buf), nil
}

func (e *endpoint) AllocateWindow(count int) (comm.Window, error) {
	w := e.world

	w.winMu.Lock()
	defer w.winMu.Unlock()

	idx := w.winIdx[e.rank]
	w.winIdx[e.rank]++

	if idx == len(w.windows) {
		win := &sharedWindow{data: make([][]int32, w.size)}
		for r := range win.data {
			win.data[r] = make([]int32, count)
		}
		w.windows = append(w.windows, win)
	}

	win := w.windows[idx]
	if len(win.data[e.rank]) != count {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"window allocation mismatch: rank %d asked for %d slots, world allocated %d",
			e.rank, count, len(win.data[e.rank])))
	}
	return &windowHandle{win: win, rank: e.rank}, nil
}

// sharedWindow is a one-sided window in shared memory. Puts take the window
// lock; readers rely on the barrier choreography of the RMA callers for
// ordering, exactly as an MPI window relies on flush/barrier.
type sharedWindow struct {
	mu   sync.Mutex
	data [][]int32
}

type windowHandle struct {
	win  *sharedWindow
	rank int
}

func (h *windowHandle) Put(src []int32, dest int, offset int) error {
	if dest < 0 || dest >= len(h.win.data) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"put destination %d out of range [0,%d)", dest, len(h.win.data)))
	}
	target := h.win.data[dest]
	if offset+len(src) > len(target) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"put of %d slots at offset %d exceeds window size %d", len(src), offset, len(target)))
	}

	h.win.mu.Lock()
	copy(target[offset:], src)
	h.win.mu.Unlock()
	return nil
}

func (h *windowHandle) FlushAll() error {
	// Puts land synchronously in shared memory.
	return nil
}

func (h *windowHandle) Local() []int32 { return h.win.data[h.rank] }

func (h *windowHandle) Free() error { return nil }
