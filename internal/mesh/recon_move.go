package mesh

import (
	"context"

	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/errors"
)

// ReconMovePattern relocates level-parallel arrays during reconstruction
// using one set of alltoallv descriptors. comm.Move forbids aliased buffers,
// so each array is moved out of a read-only shadow copy into itself.
type ReconMovePattern struct {
	comm       comm.Comm
	sendStart  []cell.LocalIndex
	sendLength []cell.LocalIndex
	recvStart  []cell.LocalIndex
	recvLength []cell.LocalIndex
}

// NewReconMovePattern captures the descriptors; the caller keeps ownership.
func NewReconMovePattern(c comm.Comm,
	sendStart, sendLength, recvStart, recvLength []cell.LocalIndex) *ReconMovePattern {

	return &ReconMovePattern{
		comm:       c,
		sendStart:  sendStart,
		sendLength: sendLength,
		recvStart:  recvStart,
		recvLength: recvLength,
	}
}

// MoveSlice relocates one array in place.
func MoveSlice[T comm.Element](ctx context.Context, p *ReconMovePattern, data []T) error {
	shadow := append([]T(nil), data...)
	return errors.Trace(comm.Move(ctx, p.comm,
		p.sendStart, p.sendLength, shadow,
		p.recvStart, p.recvLength, data))
}
