package comm

import (
	"context"

	"github.com/meshcomm/pkg/errors"
	"github.com/meshcomm/pkg/telemetry"
)

// RmaAllToAll is a reusable dense alltoall built on a one-sided window.
//
// The window holds count int32 slots per peer and stays exposed for the
// lifetime of the instance. A pending background barrier separates
// consecutive calls so a fast rank cannot overwrite window contents its
// peers have not read yet. Callers must not interleave two AllToAll calls on
// the same instance.
type RmaAllToAll struct {
	comm    Comm
	count   int
	win     Window
	barrier Request
}

// NewRmaAllToAll collectively allocates the window and arms the first
// barrier.
func NewRmaAllToAll(c Comm, count int) (*RmaAllToAll, error) {
	if count <= 0 {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"window count must be positive, got %d", count))
	}
	win, err := c.AllocateWindow(c.Size() * count)
	if err != nil {
		return nil, errors.Trace(err)
	}

	r := &RmaAllToAll{
		comm:    c,
		count:   count,
		win:     win,
		barrier: Ibarrier(c),
	}
	return r, nil
}

// Count returns the fixed number of slots per peer.
func (r *RmaAllToAll) Count() int { return r.count }

// AllToAll delivers send[p*count..(p+1)*count) to peer p and fills recv with
// what each peer sent here. Blocking and collective.
func (r *RmaAllToAll) AllToAll(ctx context.Context, send, recv []int32) error {
	_, span := telemetry.StartCollective(ctx, "comm.RmaAllToAll.AllToAll",
		r.comm.Rank(), r.comm.Size())
	defer span.End()

	want := r.comm.Size() * r.count
	if len(send) < want {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"send has %d entries, want at least comm size * count (%d)", len(send), want))
	}
	if len(recv) < want {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"recv has %d entries, want at least comm size * count (%d)", len(recv), want))
	}

	// The previous call's consumers must be finished before new puts land.
	if err := r.barrier.Wait(); err != nil {
		return errors.Trace(err)
	}

	self := r.comm.Rank()
	for pe := 0; pe < r.comm.Size(); pe++ {
		// Skipping all-zero slots is safe: the target was zeroed during the
		// previous call's copy-out.
		allZero := true
		for i := pe * r.count; i < (pe+1)*r.count; i++ {
			if send[i] != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			continue
		}
		for i := 0; i < r.count; i++ {
			if err := r.win.Put(send[pe*r.count+i:pe*r.count+i+1], pe, self*r.count+i); err != nil {
				return errors.Trace(err)
			}
		}
	}

	if err := r.win.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	if err := Barrier(r.comm); err != nil {
		return errors.Trace(err)
	}

	base := r.win.Local()
	for i := 0; i < want; i++ {
		recv[i] = base[i]
		base[i] = 0
	}

	r.barrier = Ibarrier(r.comm)
	return nil
}

// AllToAllAlloc is AllToAll with a freshly allocated receive buffer.
func (r *RmaAllToAll) AllToAllAlloc(ctx context.Context, send []int32) ([]int32, error) {
	recv := make([]int32, r.comm.Size()*r.count)
	if err := r.AllToAll(ctx, send, recv); err != nil {
		return nil, errors.Trace(err)
	}
	return recv, nil
}

// Close drains the pending barrier and frees the window. Collective.
func (r *RmaAllToAll) Close() error {
	if r.barrier != nil {
		if err := r.barrier.Wait(); err != nil {
			return errors.Trace(err)
		}
		r.barrier = nil
	}
	if r.win != nil {
		err := r.win.Free()
		r.win = nil
		return errors.Trace(err)
	}
	return nil
}
