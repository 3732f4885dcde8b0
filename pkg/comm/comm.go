// Package comm implements the Token neighbor-exchange pattern and the
// communication primitives it is built on.
//
// All primitives are expressed against the Comm interface: a fixed group of
// ranks with tagged, non-blocking point-to-point messaging and optional
// one-sided windows. Message ordering follows the MPI rule: messages between
// the same (sender, receiver, tag) triple are matched in posting order.
// Collectives (barrier, allgather, dense alltoall) are derived from the
// point-to-point layer so every transport gets them for free.
package comm

import (
	"reflect"

	"github.com/meshcomm/pkg/errors"
)

// Comm is one rank's endpoint in a fixed communicator.
//
// Implementations must support self-addressed messages and zero-length
// payloads. Isend may buffer: the payload is captured at call time and the
// returned request completes when the transport has taken ownership.
type Comm interface {
	// Rank returns this endpoint's rank in [0, Size).
	Rank() int

	// Size returns the number of ranks in the communicator.
	Size() int

	// Isend posts a non-blocking tagged send of buf to dest.
	Isend(buf []byte, dest, tag int) (Request, error)

	// Irecv posts a non-blocking tagged receive into buf from source. The
	// request completes once a matching message has been copied into buf.
	Irecv(buf []byte, source, tag int) (Request, error)

	// AllocateWindow collectively allocates a zero-initialised one-sided
	// window of count int32 slots per rank. Transports without one-sided
	// support return an UNSUPPORTED error.
	AllocateWindow(count int) (Window, error)
}

// Request is the handle of an outstanding non-blocking operation.
type Request interface {
	// Wait blocks until the operation completes and returns its error.
	Wait() error

	// Done is closed when the operation completes.
	Done() <-chan struct{}

	// Err returns the operation's error. Only meaningful after Done.
	Err() error
}

// Window is a one-sided int32 buffer exposed to remote stores.
type Window interface {
	// Put stores src into slots [offset, offset+len(src)) of dest's window.
	Put(src []int32, dest int, offset int) error

	// FlushAll blocks until all puts issued by this rank are visible at
	// their targets.
	FlushAll() error

	// Local returns the local window contents for direct read/write.
	Local() []int32

	// Free releases the window. Collective.
	Free() error
}

// WaitAll waits for every request and returns the first error encountered.
func WaitAll(requests []Request) error {
	var first error
	for _, r := range requests {
		if r == nil {
			continue
		}
		if err := r.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return errors.Trace(first)
}

// WaitSome blocks until at least one not-yet-done request completes, marks it
// in done, and returns the indices completed by this call. Requests already
// marked done are skipped. Returns an empty slice only when every request is
// already done.
func WaitSome(requests []Request, done []bool) ([]int, error) {
	// Fast pass: collect anything already complete.
	completed := pollReady(requests, done)
	if len(completed) > 0 {
		return completed, finishErr(requests, completed)
	}

	cases := make([]reflect.SelectCase, 0, len(requests))
	indices := make([]int, 0, len(requests))
	for i, r := range requests {
		if r == nil || done[i] {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(r.Done()),
		})
		indices = append(indices, i)
	}
	if len(cases) == 0 {
		return nil, nil
	}

	chosen, _, _ := reflect.Select(cases)
	done[indices[chosen]] = true
	completed = append(completed, indices[chosen])

	// Sweep up anything else that finished in the meantime.
	completed = append(completed, pollReady(requests, done)...)
	return completed, finishErr(requests, completed)
}

func pollReady(requests []Request, done []bool) []int {
	var ready []int
	for i, r := range requests {
		if r == nil || done[i] {
			continue
		}
		select {
		case <-r.Done():
			done[i] = true
			ready = append(ready, i)
		default:
		}
	}
	return ready
}

func finishErr(requests []Request, completed []int) error {
	for _, i := range completed {
		if err := requests[i].Err(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
