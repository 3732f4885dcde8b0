package comm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/errors"
	"github.com/meshcomm/pkg/telemetry"
	"github.com/meshcomm/pkg/view"
)

// Op is the combining operation applied to exchanged data.
type Op int

const (
	// OpCopy overwrites the destination. On Get it also zeroes destination
	// slots whose away address was absent.
	OpCopy Op = iota
	// OpAdd accumulates into the destination.
	OpAdd
	// OpSub subtracts from the destination.
	OpSub
	// OpMin keeps the smaller of destination and received value.
	OpMin
	// OpMax keeps the larger of destination and received value.
	OpMax
)

func (op Op) String() string {
	switch op {
	case OpCopy:
		return "copy"
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	default:
		return "invalid"
	}
}

// Segment is a contiguous run of exchange indices bound to a single peer.
type Segment struct {
	Rank   int
	Begin  int
	Length int
}

type doWhich int

const (
	gather doWhich = iota
	scatter
)

// Token is an immutable plan for one neighbor-exchange pattern on a fixed
// communicator. Tokens are built with TokenBuilder and stay valid until the
// communicator is torn down.
type Token struct {
	comm Comm

	minGatherSize  int
	minScatterSize int

	zero     []int
	copyFrom []int
	copyTo   []int

	homeSegments []Segment
	homeIndex    []cell.LocalIndex
	awaySegments []Segment
	awayIndex    []cell.LocalIndex

	hasMaxRecvBytes bool
	maxRecvBytes    uint32

	rankOrderCompletion bool

	// Peer rank lists in segment order. These are the adjacency sets a
	// neighbor-collective exchange path would be built from; nothing
	// consumes them yet.
	sendPeers []int
	recvPeers []int
}

// HomeNum returns the number of home segments (distinct remote peers data is
// gathered from).
func (t *Token) HomeNum() int { return len(t.homeSegments) }

// HomeSize returns the total number of remote home slots.
func (t *Token) HomeSize() int { return len(t.homeIndex) }

// MinGatherSize is the minimum length of a Get destination (Put source).
func (t *Token) MinGatherSize() int { return t.minGatherSize }

// MinScatterSize is the minimum length of a Put destination (Get source).
func (t *Token) MinScatterSize() int { return t.minScatterSize }

// FillHomeArrays exports the home segment tables for driver-side
// introspection: per segment its peer rank, begin offset, and length, plus
// the full home index list.
func (t *Token) FillHomeArrays(ranks []int, begins, lengths []cell.LocalIndex, indices []cell.LocalIndex) error {
	if len(ranks) < len(t.homeSegments) || len(begins) < len(t.homeSegments) ||
		len(lengths) < len(t.homeSegments) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"segment output arrays must hold %d entries", len(t.homeSegments)))
	}
	if len(indices) < len(t.homeIndex) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"index output array must hold %d entries", len(t.homeIndex)))
	}

	for i, seg := range t.homeSegments {
		ranks[i] = seg.Rank
		begins[i] = cell.LocalIndex(seg.Begin)
		lengths[i] = cell.LocalIndex(seg.Length)
	}
	copy(indices, t.homeIndex)
	return nil
}

// Get gathers remote data: for each requested away slot, the owner's value
// lands at the matching home position of output. Same-rank traffic is copied
// locally; absent away slots are zeroed under OpCopy. Collective.
func Get[T Element](ctx context.Context, t *Token, op Op, input, output []T) error {
	if len(input) < t.minScatterSize {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"this token expects rank %d to have %d home cells, the provided buffer only contains %d",
			t.comm.Rank(), t.minScatterSize, len(input)))
	}
	if len(output) < t.minGatherSize {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"this token expects rank %d to receive %d away cells, the provided buffer only contains %d",
			t.comm.Rank(), t.minGatherSize, len(output)))
	}
	return errors.Trace(gatherScatter(ctx, t, gather, op, view.WrapVector(input), view.WrapVector(output)))
}

// GetAlloc is Get into a freshly allocated destination of the minimum size.
func GetAlloc[T Element](ctx context.Context, t *Token, op Op, input []T) ([]T, error) {
	output := make([]T, t.minGatherSize)
	if err := Get(ctx, t, op, input, output); err != nil {
		return nil, errors.Trace(err)
	}
	return output, nil
}

// GetV is the row-wise rank-2 form of Get: every cell carries one row of
// values.
func GetV[T Element](ctx context.Context, t *Token, op Op, input, output view.Matrix[T]) error {
	return errors.Trace(gatherScatter(ctx, t, gather, op, input, output))
}

// GetVAlloc is GetV into a freshly allocated destination.
func GetVAlloc[T Element](ctx context.Context, t *Token, op Op, input view.Matrix[T]) (view.Matrix[T], error) {
	output := view.NewMatrix[T](t.minGatherSize, input.Cols())
	if err := GetV(ctx, t, op, input, output); err != nil {
		return view.Matrix[T]{}, errors.Trace(err)
	}
	return output, nil
}

// GetVInv is the column-wise rank-2 form of Get: the logical transpose of
// both views is exchanged row-wise.
func GetVInv[T Element](ctx context.Context, t *Token, op Op, input, output view.Matrix[T]) error {
	return errors.Trace(GetV(ctx, t, op, input.Transpose(), output.Transpose()))
}

// Put scatters local data back: the value at each home position of input is
// delivered to the owner's away slot and combined under op. Collective.
func Put[T Element](ctx context.Context, t *Token, op Op, input, output []T) error {
	if len(input) < t.minGatherSize {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"this token expects rank %d to have %d away cells, the provided buffer only contains %d",
			t.comm.Rank(), t.minGatherSize, len(input)))
	}
	if len(output) < t.minScatterSize {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"this token expects rank %d to receive %d home cells, the provided buffer only contains %d",
			t.comm.Rank(), t.minScatterSize, len(output)))
	}
	return errors.Trace(gatherScatter(ctx, t, scatter, op, view.WrapVector(input), view.WrapVector(output)))
}

// PutAlloc is Put into a freshly allocated destination of the minimum size.
func PutAlloc[T Element](ctx context.Context, t *Token, op Op, input []T) ([]T, error) {
	output := make([]T, t.minScatterSize)
	if err := Put(ctx, t, op, input, output); err != nil {
		return nil, errors.Trace(err)
	}
	return output, nil
}

// PutV is the row-wise rank-2 form of Put.
func PutV[T Element](ctx context.Context, t *Token, op Op, input, output view.Matrix[T]) error {
	return errors.Trace(gatherScatter(ctx, t, scatter, op, input, output))
}

// PutVInv is the column-wise rank-2 form of Put.
func PutVInv[T Element](ctx context.Context, t *Token, op Op, input, output view.Matrix[T]) error {
	return errors.Trace(PutV(ctx, t, op, input.Transpose(), output.Transpose()))
}

func (t *Token) copyPlanFor(which doWhich) (from, to []int) {
	if which == gather {
		return t.copyFrom, t.copyTo
	}
	return t.copyTo, t.copyFrom
}

func (t *Token) recvPlanFor(which doWhich) ([]Segment, []cell.LocalIndex) {
	if which == gather {
		return t.homeSegments, t.homeIndex
	}
	return t.awaySegments, t.awayIndex
}

func (t *Token) sendPlanFor(which doWhich) ([]Segment, []cell.LocalIndex) {
	if which == gather {
		return t.awaySegments, t.awayIndex
	}
	return t.homeSegments, t.homeIndex
}

// recvScratchElems sizes the receive scratch buffer in elements. The
// requested byte cap is raised so the largest single segment still fits, and
// never exceeds what a full-size buffer would use.
func recvScratchElems(maxRecvBytes uint32, unitSize, rowSize int, segments []Segment) int {
	totalRecv := 0
	for _, seg := range segments {
		totalRecv += seg.Length
	}

	maxElems := int(maxRecvBytes) / unitSize
	if int(maxRecvBytes)%unitSize != 0 {
		maxElems++
	}
	for _, seg := range segments {
		if rowSize*seg.Length > maxElems {
			maxElems = rowSize * seg.Length
		}
	}

	if totalRecv*rowSize < maxElems {
		return totalRecv * rowSize
	}
	return maxElems
}

// batchEnd returns one past the last segment of the batch starting at begin:
// the longest prefix whose cumulative row count fits the scratch buffer.
func batchEnd(scratchElems, rowSize int, segments []Segment, begin int) int {
	low := 0
	for i := begin; i < len(segments); i++ {
		low += segments[i].Length
		if low*rowSize > scratchElems && i > begin {
			return i
		}
	}
	return len(segments)
}

func gatherScatter[T Element](ctx context.Context, t *Token, which doWhich, op Op, input, output view.Matrix[T]) error {
	_, span := telemetry.StartCollective(ctx, "comm.Token.GatherScatter", t.comm.Rank(), t.comm.Size(),
		attribute.String("element", elementName[T]()),
		attribute.String("op", op.String()))
	defer span.End()

	if input.Cols() != output.Cols() {
		return errors.Trace(errors.Newf(errors.CodeConsistencyError,
			"input (dims = (%d,%d)) and output (dims = (%d,%d)) must have the same number of columns",
			input.Rows(), input.Cols(), output.Rows(), output.Cols()))
	}

	rowSize := input.Cols()
	unitSize := elementSize[T]()

	copyFrom, copyTo := t.copyPlanFor(which)
	recvSegments, recvIndex := t.recvPlanFor(which)
	sendSegments, sendIndex := t.sendPlanFor(which)

	sendScratchSize := 0
	for _, seg := range sendSegments {
		sendScratchSize += seg.Length * rowSize
	}
	sendScratch := make([]T, sendScratchSize)

	cur := 0
	for _, seg := range sendSegments {
		for i := seg.Begin; i < seg.Begin+seg.Length; i++ {
			for j := 0; j < rowSize; j++ {
				sendScratch[cur] = input.At(int(sendIndex[i]), j)
				cur++
			}
		}
	}

	scratchElems := 0
	for _, seg := range recvSegments {
		scratchElems += seg.Length * rowSize
	}
	if t.hasMaxRecvBytes {
		scratchElems = recvScratchElems(t.maxRecvBytes, unitSize, rowSize, recvSegments)
	}
	recvScratch := make([]T, scratchElems)

	batchBegin := 0
	batchStop := batchEnd(scratchElems, rowSize, recvSegments, 0)

	var recvRequests []Request
	queueReceives := func() error {
		for i := batchBegin; i < batchStop; i++ {
			seg := recvSegments[i]
			off := (seg.Begin - recvSegments[batchBegin].Begin) * rowSize
			req, err := t.comm.Irecv(bytesOf(recvScratch[off:off+seg.Length*rowSize]), seg.Rank, TagTokenGS)
			if err != nil {
				return errors.Trace(err)
			}
			recvRequests = append(recvRequests, req)
		}
		return nil
	}

	if err := queueReceives(); err != nil {
		return errors.Trace(err)
	}

	// Send to higher ranks first, then lower, to spread traffic away from
	// the low ranks every peer would otherwise hit at once.
	sendRequests := make([]Request, 0, len(sendSegments))
	postSend := func(seg Segment) error {
		buf := sendScratch[seg.Begin*rowSize : (seg.Begin+seg.Length)*rowSize]
		req, err := t.comm.Isend(bytesOf(buf), seg.Rank, TagTokenGS)
		if err != nil {
			return errors.Trace(err)
		}
		sendRequests = append(sendRequests, req)
		return nil
	}
	for _, seg := range sendSegments {
		if seg.Rank > t.comm.Rank() {
			if err := postSend(seg); err != nil {
				return err
			}
		}
	}
	for _, seg := range sendSegments {
		if seg.Rank < t.comm.Rank() {
			if err := postSend(seg); err != nil {
				return err
			}
		}
	}

	// Local plan overlaps with in-flight messages.
	applyLocalPlan(op, which, input, output, copyFrom, copyTo, t.zero, rowSize)

	for batchBegin < len(recvSegments) {
		completion := newRecvCompletion(recvRequests, t.rankOrderCompletion)

		for {
			completed, more, err := completion.next()
			if err != nil {
				return errors.Trace(err)
			}
			if !more {
				break
			}
			for _, idx := range completed {
				seg := recvSegments[batchBegin+idx]
				base := (seg.Begin - recvSegments[batchBegin].Begin) * rowSize
				applySegment(op, output, recvIndex, seg, recvScratch[base:base+seg.Length*rowSize], rowSize)
			}
		}

		batchBegin = batchStop
		recvRequests = recvRequests[:0]
		batchStop = batchEnd(scratchElems, rowSize, recvSegments, batchBegin)

		if err := queueReceives(); err != nil {
			return errors.Trace(err)
		}
	}

	return errors.TraceNote(WaitAll(sendRequests), "op = %s", op)
}

func applyLocalPlan[T Element](op Op, which doWhich, input, output view.Matrix[T],
	copyFrom, copyTo, zero []int, rowSize int) {

	switch op {
	case OpCopy:
		if which == gather {
			var z T
			for _, idx := range zero {
				for j := 0; j < rowSize; j++ {
					output.Set(idx, j, z)
				}
			}
		}
		for i := range copyFrom {
			for j := 0; j < rowSize; j++ {
				output.Set(copyTo[i], j, input.At(copyFrom[i], j))
			}
		}
	case OpAdd:
		for i := range copyFrom {
			for j := 0; j < rowSize; j++ {
				output.Set(copyTo[i], j, output.At(copyTo[i], j)+input.At(copyFrom[i], j))
			}
		}
	case OpSub:
		for i := range copyFrom {
			for j := 0; j < rowSize; j++ {
				output.Set(copyTo[i], j, output.At(copyTo[i], j)-input.At(copyFrom[i], j))
			}
		}
	case OpMin:
		for i := range copyFrom {
			for j := 0; j < rowSize; j++ {
				if v := input.At(copyFrom[i], j); v < output.At(copyTo[i], j) {
					output.Set(copyTo[i], j, v)
				}
			}
		}
	case OpMax:
		for i := range copyFrom {
			for j := 0; j < rowSize; j++ {
				if v := input.At(copyFrom[i], j); v > output.At(copyTo[i], j) {
					output.Set(copyTo[i], j, v)
				}
			}
		}
	}
}

func applySegment[T Element](op Op, output view.Matrix[T], recvIndex []cell.LocalIndex,
	seg Segment, scratch []T, rowSize int) {

	switch op {
	case OpCopy:
		for i := 0; i < seg.Length; i++ {
			dst := int(recvIndex[seg.Begin+i])
			for j := 0; j < rowSize; j++ {
				output.Set(dst, j, scratch[i*rowSize+j])
			}
		}
	case OpAdd:
		for i := 0; i < seg.Length; i++ {
			dst := int(recvIndex[seg.Begin+i])
			for j := 0; j < rowSize; j++ {
				output.Set(dst, j, output.At(dst, j)+scratch[i*rowSize+j])
			}
		}
	case OpSub:
		for i := 0; i < seg.Length; i++ {
			dst := int(recvIndex[seg.Begin+i])
			for j := 0; j < rowSize; j++ {
				output.Set(dst, j, output.At(dst, j)-scratch[i*rowSize+j])
			}
		}
	case OpMin:
		for i := 0; i < seg.Length; i++ {
			dst := int(recvIndex[seg.Begin+i])
			for j := 0; j < rowSize; j++ {
				if v := scratch[i*rowSize+j]; v < output.At(dst, j) {
					output.Set(dst, j, v)
				}
			}
		}
	case OpMax:
		for i := 0; i < seg.Length; i++ {
			dst := int(recvIndex[seg.Begin+i])
			for j := 0; j < rowSize; j++ {
				if v := scratch[i*rowSize+j]; v > output.At(dst, j) {
					output.Set(dst, j, v)
				}
			}
		}
	}
}
