package wsnet

import (
	"encoding/binary"
	"sync"

	"github.com/meshcomm/pkg/collections"
	"github.com/meshcomm/pkg/errors"
)

// Put frame payload: 4-byte window id, 4-byte offset, then int32 values.
// Ack frame payload: 4-byte window id.

// windowRegistry tracks the node's message-emulated windows. Window ids are
// assigned by allocation order, which matches across ranks because window
// allocation is collective.
type windowRegistry struct {
	node *Node

	mu      sync.Mutex
	windows map[uint32]*msgWindow
	next    uint32

	// Puts that raced ahead of the local allocation, keyed by window id.
	early map[uint32][]earlyPut
}

type earlyPut struct {
	peer   int
	offset int
	values []int32
}

func newWindowRegistry(n *Node) *windowRegistry {
	return &windowRegistry{
		node:    n,
		windows: make(map[uint32]*msgWindow),
		early:   make(map[uint32][]earlyPut),
	}
}

func (r *windowRegistry) allocate(count int) *msgWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	win := &msgWindow{
		id:       r.next,
		registry: r,
		data:     make([]int32, count),
	}
	win.flushCond = sync.NewCond(&win.mu)
	r.next++
	r.windows[win.id] = win

	// Settle anything that arrived before we existed.
	for _, p := range r.early[win.id] {
		win.store(p.offset, p.values)
		r.node.sendAck(p.peer, win.id)
	}
	delete(r.early, win.id)

	return win
}

func (r *windowRegistry) applyPut(peer int, payload []byte) {
	if len(payload) < 8 || (len(payload)-8)%4 != 0 {
		r.node.logger.Error("malformed put frame from rank %d (%d bytes)", peer, len(payload))
		return
	}
	id := binary.LittleEndian.Uint32(payload)
	offset := int(binary.LittleEndian.Uint32(payload[4:]))

	scratch := collections.Int32SlicePool.Get()
	defer collections.Int32SlicePool.Put(scratch)

	values := *scratch
	for i := 0; i < (len(payload)-8)/4; i++ {
		values = append(values, int32(binary.LittleEndian.Uint32(payload[8+4*i:])))
	}
	*scratch = values[:0]

	r.mu.Lock()
	win := r.windows[id]
	if win == nil {
		// The put raced ahead of the local allocation; keep a copy.
		r.early[id] = append(r.early[id], earlyPut{
			peer:   peer,
			offset: offset,
			values: append([]int32(nil), values...),
		})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	win.store(offset, values)
	r.node.sendAck(peer, id)
}

func (r *windowRegistry) applyAck(payload []byte) {
	if len(payload) < 4 {
		r.node.logger.Error("malformed ack frame (%d bytes)", len(payload))
		return
	}
	id := binary.LittleEndian.Uint32(payload)

	r.mu.Lock()
	win := r.windows[id]
	r.mu.Unlock()
	if win == nil {
		r.node.logger.Error("ack for unknown window %d", id)
		return
	}

	win.mu.Lock()
	win.outstanding--
	if win.outstanding == 0 {
		win.flushCond.Broadcast()
	}
	win.mu.Unlock()
}

func (r *windowRegistry) free(id uint32) {
	r.mu.Lock()
	delete(r.windows, id)
	r.mu.Unlock()
}

func (n *Node) sendAck(peer int, id uint32) {
	if peer == n.rank {
		n.windows.applyAck(encodeUint32(id))
		return
	}
	if err := n.send(peer, tagRmaAck, encodeUint32(id)); err != nil {
		n.logger.Error("ack to rank %d failed: %v", peer, err)
	}
}

// msgWindow is a one-sided window kept coherent with put/ack frames.
type msgWindow struct {
	id       uint32
	registry *windowRegistry

	mu          sync.Mutex
	flushCond   *sync.Cond
	data        []int32
	outstanding int
}

func (w *msgWindow) store(offset int, values []int32) {
	w.mu.Lock()
	copy(w.data[offset:], values)
	w.mu.Unlock()
}

// Put implements comm.Window.
func (w *msgWindow) Put(src []int32, dest int, offset int) error {
	n := w.registry.node
	if dest < 0 || dest >= n.size {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"put destination %d out of range [0,%d)", dest, n.size))
	}

	if dest == n.rank {
		w.store(offset, src)
		return nil
	}

	payload := make([]byte, 8+4*len(src))
	binary.LittleEndian.PutUint32(payload, w.id)
	binary.LittleEndian.PutUint32(payload[4:], uint32(offset))
	for i, v := range src {
		binary.LittleEndian.PutUint32(payload[8+4*i:], uint32(v))
	}

	w.mu.Lock()
	w.outstanding++
	w.mu.Unlock()

	if err := n.send(dest, tagRmaPut, payload); err != nil {
		w.mu.Lock()
		w.outstanding--
		w.mu.Unlock()
		return errors.Trace(err)
	}
	return nil
}

// FlushAll implements comm.Window: it drains outstanding acknowledgements.
func (w *msgWindow) FlushAll() error {
	w.mu.Lock()
	for w.outstanding > 0 {
		w.flushCond.Wait()
	}
	w.mu.Unlock()
	return nil
}

// Local implements comm.Window.
func (w *msgWindow) Local() []int32 { return w.data }

// Free implements comm.Window.
func (w *msgWindow) Free() error {
	w.registry.free(w.id)
	return nil
}
