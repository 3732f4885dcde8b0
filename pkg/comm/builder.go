package comm

import (
	"context"

	"github.com/meshcomm/pkg/addressing"
	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/errors"
	"github.com/meshcomm/pkg/telemetry"
)

// TokenBuilder accumulates the configuration for building Tokens. A builder
// can be cloned and reused to stamp out many Tokens that share a
// communicator and base table. The builder does not own the communicator.
type TokenBuilder struct {
	comm Comm

	// numCells is retained only so repeated SetNumCells calls reuse the
	// allocation.
	numCells []uint32
	bases    addressing.BaseTable

	toPEs   []int
	fromPEs []int

	hasMaxRecvBytes bool
	maxRecvBytes    uint32

	rankOrderCompletion bool

	rma *RmaAllToAll
}

// FromComm creates a TokenBuilder over the given communicator. Not
// collective.
func FromComm(c Comm) *TokenBuilder {
	return &TokenBuilder{comm: c}
}

// Clone returns an independent copy of the builder.
func (b *TokenBuilder) Clone() *TokenBuilder {
	clone := *b
	clone.numCells = nil
	clone.bases = append(addressing.BaseTable(nil), b.bases...)
	clone.toPEs = append([]int(nil), b.toPEs...)
	clone.fromPEs = append([]int(nil), b.fromPEs...)
	return &clone
}

// Comm returns the builder's communicator.
func (b *TokenBuilder) Comm() Comm { return b.comm }

// Bases returns the builder's base table. Shared, not copied.
func (b *TokenBuilder) Bases() addressing.BaseTable { return b.bases }

// SetNumCells exchanges the local cell count with all ranks and rebuilds the
// base table. Collective.
func (b *TokenBuilder) SetNumCells(numLocalCells uint32) error {
	size := b.comm.Size()
	if cap(b.numCells) < size {
		b.numCells = make([]uint32, size)
	}
	b.numCells = b.numCells[:size]

	if err := AllGatherUint32(b.comm, numLocalCells, b.numCells); err != nil {
		return errors.Trace(err)
	}

	if len(b.bases) != size {
		b.bases = make(addressing.BaseTable, size)
	}
	addressing.ScanInto(b.numCells, b.bases)
	return nil
}

// SetCellBases adopts an externally computed base table. It must be the same
// table on every rank. Not collective.
func (b *TokenBuilder) SetCellBases(bases []cell.GlobalIndex) error {
	if len(bases) != b.comm.Size() {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"bases has %d entries, want comm size %d", len(bases), b.comm.Size()))
	}
	if len(b.bases) != len(bases) {
		b.bases = make(addressing.BaseTable, len(bases))
	}
	copy(b.bases, bases)
	return nil
}

// UseRmaAllToAll selects the one-sided alltoall for count exchange. If set,
// it must be set consistently on all ranks. The builder does not own the
// instance. Not collective.
func (b *TokenBuilder) UseRmaAllToAll(rma *RmaAllToAll) error {
	if rma.Count() != 1 {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"only an RmaAllToAll with count 1 can be used by TokenBuilder, got count %d", rma.Count()))
	}
	b.rma = rma
	return nil
}

// DisableRmaAllToAll reverts count exchange to the two-sided dense alltoall.
func (b *TokenBuilder) DisableRmaAllToAll() { b.rma = nil }

// RequireRankOrderRequestCompletion controls receive completion order in
// built Tokens.
//
// When true, receives are consumed in rank order, making results reproducible
// when several remote elements combine into one local element under
// non-commutative operations (floating-point add/sub). When false (the
// default), receives are consumed as they complete, which overlaps more
// computation with communication.
func (b *TokenBuilder) RequireRankOrderRequestCompletion(rankOrder bool) {
	b.rankOrderCompletion = rankOrder
}

// SetToPes records which peers this rank sends counts to, and derives the
// reverse set by exchanging the flags with all ranks. Collective.
func (b *TokenBuilder) SetToPes(ctx context.Context, toPEs []int) error {
	size := b.comm.Size()
	if len(toPEs) != size {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"toPEs has %d entries, want comm size %d", len(toPEs), size))
	}

	send := make([]int32, size)
	for i, v := range toPEs {
		send[i] = int32(v)
	}

	var recv []int32
	var err error
	if b.rma != nil {
		recv, err = b.rma.AllToAllAlloc(ctx, send)
	} else {
		recv = make([]int32, size)
		err = AllToAllInt32(b.comm, send, recv)
	}
	if err != nil {
		return errors.Trace(err)
	}

	fromPEs := make([]int, size)
	for i, v := range recv {
		fromPEs[i] = int(v)
	}
	return b.SetToAndFromPes(toPEs, fromPEs)
}

// SetToAndFromPes records both peer sets without communication. Not
// collective.
func (b *TokenBuilder) SetToAndFromPes(toPEs, fromPEs []int) error {
	size := b.comm.Size()
	if len(toPEs) != size || len(fromPEs) != size {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"toPEs and fromPEs must each have comm size (%d) entries", size))
	}
	b.toPEs = toPEs
	b.fromPEs = fromPEs
	return nil
}

// ClearToAndFromPes drops any recorded peer sets.
func (b *TokenBuilder) ClearToAndFromPes() {
	b.toPEs = nil
	b.fromPEs = nil
}

// SetMaxGsReceiveSize caps the receive scratch buffer of built Tokens, in
// bytes. When one segment needs more than that, the cap is raised to fit the
// largest segment.
func (b *TokenBuilder) SetMaxGsReceiveSize(maxBytes uint32) {
	b.hasMaxRecvBytes = true
	b.maxRecvBytes = maxBytes
}

// ClearMaxGsReceiveSize removes the receive scratch cap.
func (b *TokenBuilder) ClearMaxGsReceiveSize() { b.hasMaxRecvBytes = false }

// PesAndAddresses resolves global addresses into (rank, local address)
// pairs. Absent inputs yield absent outputs. Not collective.
func (b *TokenBuilder) PesAndAddresses(awayGlobals []cell.OptionalGlobal,
	pes []cell.OptionalRank, addresses []cell.OptionalLocal) error {

	if len(pes) != len(awayGlobals) || len(addresses) != len(awayGlobals) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"pes and addresses must match awayGlobals length %d", len(awayGlobals)))
	}

	for i, away := range awayGlobals {
		if !away.Valid() {
			pes[i] = cell.NoRank()
			addresses[i] = cell.NoLocal()
			continue
		}
		rank, local, err := b.bases.Resolve(away.Get())
		if err != nil {
			return errors.TraceNote(err, "awayGlobals[%d]", i)
		}
		pes[i] = cell.SomeRank(rank)
		addresses[i] = cell.SomeLocal(local)
	}
	return nil
}

// PesAndAddressesAlloc is PesAndAddresses with freshly allocated outputs.
func (b *TokenBuilder) PesAndAddressesAlloc(awayGlobals []cell.OptionalGlobal) (
	[]cell.OptionalRank, []cell.OptionalLocal, error) {

	pes := make([]cell.OptionalRank, len(awayGlobals))
	addresses := make([]cell.OptionalLocal, len(awayGlobals))
	if err := b.PesAndAddresses(awayGlobals, pes, addresses); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return pes, addresses, nil
}

// FlagPes ORs a 1 into peFlags[r] for every rank r owning one of the given
// global addresses. Not collective.
func (b *TokenBuilder) FlagPes(awayGlobals []cell.OptionalGlobal, peFlags []int) error {
	return errors.Trace(b.bases.FlagPEs(awayGlobals, peFlags))
}

// BuildGlobal builds a Token mapping the global addresses in awayGlobals to
// the local slots in homeAddresses. Collective.
func (b *TokenBuilder) BuildGlobal(ctx context.Context, homeAddresses []cell.LocalIndex,
	awayGlobals []cell.OptionalGlobal) (*Token, error) {

	ctx, span := telemetry.StartCollective(ctx, "comm.TokenBuilder.BuildGlobal",
		b.comm.Rank(), b.comm.Size())
	defer span.End()

	if len(b.bases) == 0 {
		return nil, errors.Trace(errors.New(errors.CodeInvalidArgument,
			"tried to build a global token before SetNumCells or SetCellBases"))
	}

	awayPE, awayAddress, err := b.PesAndAddressesAlloc(awayGlobals)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return b.BuildLocal(ctx, homeAddresses, awayPE, awayAddress)
}

// BuildLocal builds a Token from already-resolved (rank, local address)
// pairs. homeAddresses[i] is the caller-side slot for the datum at
// (awayPE[i], awayAddress[i]); an absent away address means "zero that slot"
// under OpCopy. Collective.
func (b *TokenBuilder) BuildLocal(ctx context.Context, homeAddresses []cell.LocalIndex,
	awayPE []cell.OptionalRank, awayAddress []cell.OptionalLocal) (*Token, error) {

	ctx, span := telemetry.StartCollective(ctx, "comm.TokenBuilder.BuildLocal",
		b.comm.Rank(), b.comm.Size())
	defer span.End()

	if len(awayAddress) != len(awayPE) {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"awayPE (%d) and awayAddress (%d) must be the same length",
			len(awayPE), len(awayAddress)))
	}
	if len(homeAddresses) != len(awayAddress) {
		return nil, errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"homeAddresses (%d) maps awayAddress (%d) to local slots, so they must be the same length",
			len(homeAddresses), len(awayAddress)))
	}

	size := b.comm.Size()
	self := b.comm.Rank()

	countMoveTo := make([]int32, size)
	for i := range awayPE {
		if awayAddress[i].Valid() {
			countMoveTo[awayPE[i].Get()]++
		}
	}
	// Same-rank traffic never goes through messaging.
	countMoveTo[self] = 0

	plan := buildCopyPlan(self, homeAddresses, awayPE, awayAddress)

	var countGetFrom []int32
	var err error
	switch {
	case len(b.toPEs) > 0:
		countGetFrom, err = SomeToSome(ctx, b.comm, countMoveTo, b.toPEs, b.fromPEs)
	case b.rma != nil:
		countGetFrom, err = b.rma.AllToAllAlloc(ctx, countMoveTo)
	default:
		countGetFrom = make([]int32, size)
		err = AllToAllInt32(b.comm, countMoveTo, countGetFrom)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	homeSegments, homeSize := buildSegments(self, countMoveTo)
	awaySegments, awaySize := buildSegments(self, countGetFrom)

	// globalIndex lists the away-local addresses this rank needs, sliced by
	// home segment. homeIndex maps each of those to its slot in the
	// caller's gather destination.
	globalIndex := make([]cell.LocalIndex, homeSize)
	homeIndex := make([]cell.LocalIndex, homeSize)
	{
		cursor := make([]int, size)
		for _, seg := range homeSegments {
			cursor[seg.Rank] = seg.Begin
		}
		for i := range awayPE {
			if awayAddress[i].Valid() && awayPE[i].Get() != self {
				low := cursor[awayPE[i].Get()]
				cursor[awayPE[i].Get()]++
				globalIndex[low] = awayAddress[i].Get()
				homeIndex[low] = homeAddresses[i]
			}
		}
	}

	// awayIndex lists the local addresses other ranks need from this rank,
	// sliced by away segment. It is filled by the index handshake.
	awayIndex := make([]cell.LocalIndex, awaySize)
	{
		requests := make([]Request, 0, len(homeSegments)+len(awaySegments))
		for _, seg := range homeSegments {
			req, err := b.comm.Isend(bytesOf(globalIndex[seg.Begin:seg.Begin+seg.Length]),
				seg.Rank, TagBuildGlobal)
			if err != nil {
				return nil, errors.Trace(err)
			}
			requests = append(requests, req)
		}
		for _, seg := range awaySegments {
			req, err := b.comm.Irecv(bytesOf(awayIndex[seg.Begin:seg.Begin+seg.Length]),
				seg.Rank, TagBuildGlobal)
			if err != nil {
				return nil, errors.Trace(err)
			}
			requests = append(requests, req)
		}
		if err := WaitAll(requests); err != nil {
			return nil, errors.Trace(err)
		}
	}

	minGatherSize := 0
	for _, home := range homeAddresses {
		if int(home)+1 > minGatherSize {
			minGatherSize = int(home) + 1
		}
	}

	minScatterSize := 0
	for _, from := range plan.copyFrom {
		if from+1 > minScatterSize {
			minScatterSize = from + 1
		}
	}
	for _, away := range awayIndex {
		if int(away)+1 > minScatterSize {
			minScatterSize = int(away) + 1
		}
	}

	sendPeers := make([]int, len(homeSegments))
	for i, seg := range homeSegments {
		sendPeers[i] = seg.Rank
	}
	recvPeers := make([]int, len(awaySegments))
	for i, seg := range awaySegments {
		recvPeers[i] = seg.Rank
	}

	return &Token{
		comm:                b.comm,
		minGatherSize:       minGatherSize,
		minScatterSize:      minScatterSize,
		zero:                plan.zero,
		copyFrom:            plan.copyFrom,
		copyTo:              plan.copyTo,
		homeSegments:        homeSegments,
		homeIndex:           homeIndex,
		awaySegments:        awaySegments,
		awayIndex:           awayIndex,
		hasMaxRecvBytes:     b.hasMaxRecvBytes,
		maxRecvBytes:        b.maxRecvBytes,
		rankOrderCompletion: b.rankOrderCompletion,
		sendPeers:           sendPeers,
		recvPeers:           recvPeers,
	}, nil
}

// copyPlan describes same-rank traffic and mandatory zeroing.
type copyPlan struct {
	copyFrom []int
	copyTo   []int
	zero     []int
}

func buildCopyPlan(self int, homeAddresses []cell.LocalIndex,
	awayPE []cell.OptionalRank, awayAddress []cell.OptionalLocal) copyPlan {

	var plan copyPlan
	for i := range awayPE {
		away := awayAddress[i]
		home := int(homeAddresses[i])

		if !away.Valid() {
			plan.zero = append(plan.zero, home)
		} else if awayPE[i].Get() == self {
			plan.copyFrom = append(plan.copyFrom, int(away.Get()))
			plan.copyTo = append(plan.copyTo, home)
		}
	}
	return plan
}

// buildSegments emits one segment per non-self peer with a positive count,
// in ascending rank order, with begins packed tightly.
func buildSegments(self int, counts []int32) ([]Segment, int) {
	numSegments := 0
	for pe, n := range counts {
		if pe != self && n > 0 {
			numSegments++
		}
	}

	segments := make([]Segment, 0, numSegments)
	low := 0
	for pe, n := range counts {
		if pe != self && n > 0 {
			segments = append(segments, Segment{Rank: pe, Begin: low, Length: int(n)})
			low += int(n)
		}
	}
	return segments, low
}
