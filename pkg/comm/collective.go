package comm

import (
	"github.com/meshcomm/pkg/errors"
)

// Barrier blocks until every rank in the communicator has entered it.
// Implemented as a dissemination barrier over point-to-point messages, so it
// works on any transport.
func Barrier(c Comm) error {
	size := c.Size()
	rank := c.Rank()

	round := 0
	for dist := 1; dist < size; dist *= 2 {
		sendTo := (rank + dist) % size
		recvFrom := (rank - dist + size) % size

		send, err := c.Isend(nil, sendTo, tagBarrier+round)
		if err != nil {
			return errors.Trace(err)
		}
		recv, err := c.Irecv(nil, recvFrom, tagBarrier+round)
		if err != nil {
			return errors.Trace(err)
		}
		if err := WaitAll([]Request{send, recv}); err != nil {
			return errors.Trace(err)
		}
		round++
	}
	return nil
}

// Ibarrier starts a Barrier in the background and returns its request.
func Ibarrier(c Comm) Request {
	r := newSoftRequest()
	go func() {
		r.complete(Barrier(c))
	}()
	return r
}

// AllGatherUint32 gathers one value from every rank into out, indexed by rank.
func AllGatherUint32(c Comm, v uint32, out []uint32) error {
	size := c.Size()
	rank := c.Rank()
	if len(out) != size {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"allgather output has %d entries, want %d", len(out), size))
	}

	out[rank] = v
	mine := []uint32{v}

	requests := make([]Request, 0, 2*(size-1))
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		recv, err := c.Irecv(bytesOf(out[peer:peer+1]), peer, tagGather)
		if err != nil {
			return errors.Trace(err)
		}
		requests = append(requests, recv)
	}
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		send, err := c.Isend(bytesOf(mine), peer, tagGather)
		if err != nil {
			return errors.Trace(err)
		}
		requests = append(requests, send)
	}
	return errors.Trace(WaitAll(requests))
}

// AllToAllInt32 performs a dense alltoall with one value per peer.
func AllToAllInt32(c Comm, send, recv []int32) error {
	size := c.Size()
	rank := c.Rank()
	if len(send) != size || len(recv) != size {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"alltoall buffers have %d/%d entries, want %d", len(send), len(recv), size))
	}

	recv[rank] = send[rank]

	requests := make([]Request, 0, 2*(size-1))
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		r, err := c.Irecv(bytesOf(recv[peer:peer+1]), peer, tagAll2All)
		if err != nil {
			return errors.Trace(err)
		}
		requests = append(requests, r)
	}
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		s, err := c.Isend(bytesOf(send[peer:peer+1]), peer, tagAll2All)
		if err != nil {
			return errors.Trace(err)
		}
		requests = append(requests, s)
	}
	return errors.Trace(WaitAll(requests))
}

// AllReduceSumUint64 returns the sum of every rank's value.
func AllReduceSumUint64(c Comm, v uint64) (uint64, error) {
	all, err := allGather64(c, v)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var sum uint64
	for _, x := range all {
		sum += x
	}
	return sum, nil
}

// AllReduceMaxUint64 returns the maximum of every rank's value.
func AllReduceMaxUint64(c Comm, v uint64) (uint64, error) {
	all, err := allGather64(c, v)
	if err != nil {
		return 0, errors.Trace(err)
	}
	max := all[0]
	for _, x := range all[1:] {
		if x > max {
			max = x
		}
	}
	return max, nil
}

func allGather64(c Comm, v uint64) ([]uint64, error) {
	size := c.Size()
	rank := c.Rank()

	out := make([]uint64, size)
	out[rank] = v
	mine := []uint64{v}

	requests := make([]Request, 0, 2*(size-1))
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		recv, err := c.Irecv(bytesOf(out[peer:peer+1]), peer, tagGather)
		if err != nil {
			return nil, errors.Trace(err)
		}
		requests = append(requests, recv)
	}
	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		send, err := c.Isend(bytesOf(mine), peer, tagGather)
		if err != nil {
			return nil, errors.Trace(err)
		}
		requests = append(requests, send)
	}
	if err := WaitAll(requests); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

// softRequest adapts a background goroutine to the Request interface.
type softRequest struct {
	done chan struct{}
	err  error
}

func newSoftRequest() *softRequest {
	return &softRequest{done: make(chan struct{})}
}

func (r *softRequest) complete(err error) {
	r.err = err
	close(r.done)
}

func (r *softRequest) Wait() error {
	<-r.done
	return r.err
}

func (r *softRequest) Done() <-chan struct{} { return r.done }

func (r *softRequest) Err() error { return r.err }
