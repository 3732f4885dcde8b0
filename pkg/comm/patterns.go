package comm

import (
	"context"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"

	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/errors"
	"github.com/meshcomm/pkg/telemetry"
)

// SomeToSome exchanges one value per flagged peer: send[r] goes to every r
// with toPEs[r] set, and recv[r] is filled from every r with fromPEs[r] set.
// Unflagged entries of the result stay zero. The peer sets must be symmetric
// across ranks (r flags us in its toPEs exactly when fromPEs[r] is set here).
func SomeToSome[T Element](ctx context.Context, c Comm, send []T, toPEs, fromPEs []int) ([]T, error) {
	_, span := telemetry.StartCollective(ctx, "comm.SomeToSome", c.Rank(), c.Size(),
		attribute.String("element", elementName[T]()))
	defer span.End()

	size := c.Size()
	if len(send) != size || len(toPEs) != size || len(fromPEs) != size {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"send/toPEs/fromPEs have %d/%d/%d entries, want comm size %d",
			len(send), len(toPEs), len(fromPEs), size))
	}

	recv := make([]T, size)

	numSends, numRecvs := 0, 0
	for r := 0; r < size; r++ {
		if toPEs[r] != 0 {
			numSends++
		}
		if fromPEs[r] != 0 {
			numRecvs++
		}
	}

	requests := make([]Request, 0, numSends+numRecvs)
	for rank := 0; rank < size; rank++ {
		if fromPEs[rank] == 0 {
			continue
		}
		r, err := c.Irecv(bytesOf(recv[rank:rank+1]), rank, TagSomeToSome)
		if err != nil {
			return nil, errors.Trace(err)
		}
		requests = append(requests, r)
	}
	for rank := 0; rank < size; rank++ {
		if toPEs[rank] == 0 {
			continue
		}
		s, err := c.Isend(bytesOf(send[rank:rank+1]), rank, TagSomeToSome)
		if err != nil {
			return nil, errors.Trace(err)
		}
		requests = append(requests, s)
	}

	if err := WaitAll(requests); err != nil {
		return nil, errors.TraceNote(err, "sends=%d recvs=%d", numSends, numRecvs)
	}
	return recv, nil
}

// Move sends varying slices of sendData to many ranks, alltoallv-style.
//
// sendData is partitioned by sendStart/sendLength: the slice destined for
// rank p begins at sendStart[p] and holds sendLength[p] elements. recvData is
// partitioned the same way by recvStart/recvLength. Self traffic is a plain
// copy; sendData and recvData must not overlap.
func Move[T Element](ctx context.Context, c Comm,
	sendStart []cell.LocalIndex, sendLength []cell.LocalIndex, sendData []T,
	recvStart []cell.LocalIndex, recvLength []cell.LocalIndex, recvData []T) error {

	_, span := telemetry.StartCollective(ctx, "comm.Move", c.Rank(), c.Size())
	defer span.End()

	size := c.Size()
	self := c.Rank()

	if len(sendStart) != size || len(sendLength) != size ||
		len(recvStart) != size || len(recvLength) != size {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"descriptor arrays must each have comm size (%d) entries", size))
	}
	if slicesOverlap(sendData, recvData) {
		return errors.Trace(errors.New(errors.CodeInvalidArgument,
			"recvData must not overlap with sendData"))
	}
	if recvLength[self] != sendLength[self] {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"send (%d) did not equal receive (%d) for rank %d",
			sendLength[self], recvLength[self], self))
	}

	numSends, numRecvs := 0, 0
	for p := 0; p < size; p++ {
		if sendLength[p] > 0 {
			numSends++
		}
		if recvLength[p] > 0 {
			numRecvs++
		}
	}

	requests := make([]Request, 0, numSends+numRecvs)

	for p := 0; p < size; p++ {
		if p == self || recvLength[p] == 0 {
			continue
		}
		buf := recvData[recvStart[p] : recvStart[p]+recvLength[p]]
		r, err := c.Irecv(bytesOf(buf), p, TagMove)
		if err != nil {
			return errors.Trace(err)
		}
		requests = append(requests, r)
	}

	for p := 0; p < size; p++ {
		if p == self || sendLength[p] == 0 {
			continue
		}
		buf := sendData[sendStart[p] : sendStart[p]+sendLength[p]]
		s, err := c.Isend(bytesOf(buf), p, TagMove)
		if err != nil {
			return errors.Trace(err)
		}
		requests = append(requests, s)
	}

	if sendLength[self] > 0 {
		copy(recvData[recvStart[self]:recvStart[self]+recvLength[self]],
			sendData[sendStart[self]:sendStart[self]+sendLength[self]])
	}

	return errors.Trace(WaitAll(requests))
}

func slicesOverlap[T Element](a, b []T) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	aLo := uintptr(unsafe.Pointer(&a[0]))
	aHi := aLo + uintptr(len(a))*uintptr(elementSize[T]())
	bLo := uintptr(unsafe.Pointer(&b[0]))
	bHi := bLo + uintptr(len(b))*uintptr(elementSize[T]())
	return aLo < bHi && bLo < aHi
}
