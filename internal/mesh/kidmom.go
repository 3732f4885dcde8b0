package mesh

import (
	"context"

	"github.com/meshcomm/pkg/cell"
	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/errors"
	"github.com/meshcomm/pkg/parallel"
)

// KidMomOptions selects the sparse count exchange for each token pool.
type KidMomOptions struct {
	// KidMomUseS2S pre-flags peers when building the kid->mother tokens.
	KidMomUseS2S bool
	// MomKidUseS2S pre-flags peers when building the mother->first-kid tokens.
	MomKidUseS2S bool
	// MomKidsUseS2S pre-flags peers when building the per-slot daughter tokens.
	MomKidsUseS2S bool
}

// KidMom tracks the mother/daughter relationships between cells across
// refinement levels, the per-level cell partition, and the Token pools that
// exchange data along those relationships.
//
// Requires multi-stage initialization: ResizeLocal, then Initialize, then
// BuildPack before any token build.
type KidMom struct {
	comm    comm.Comm
	options KidMomOptions

	// numPack is the highest refinement level present locally; maxNumPack
	// the highest anywhere. Arrays and token pools are sized by the global
	// value so every rank issues the same collective sequence.
	numPack    int
	maxNumPack int
	numLevels  int

	// cellMother[l] is the mother of cell l, cellDaughter[l] its first
	// daughter; both are global addresses.
	cellMother   []cell.OptionalGlobal
	cellDaughter []cell.OptionalGlobal

	// ltop lists the active leaf cells.
	ltop      []cell.LocalIndex
	allNumTop cell.LocalIndex
	allTop    []cell.LocalIndex

	// lpoint holds cell indices bucketed by level; lopack[L] is the start
	// of level L, with lopack[numLevels] one past the end.
	lpoint []cell.LocalIndex
	lopack []cell.LocalIndex

	// kidTokens[L-1]: level-L cells mapped to their mothers.
	kidTokens []*comm.Token
	// momTokens[L]: level-L mothers mapped to their first daughters.
	momTokens []*comm.Token
	// momKidsTokens: per daughter slot, filled from the deepest mother
	// level down; see momKidsIndex.
	momKidsTokens []*comm.Token
	numKids       int
}

// NewKidMom creates an empty KidMom on the given communicator.
func NewKidMom(c comm.Comm) *KidMom {
	return &KidMom{comm: c}
}

// ResizeLocal grows the per-cell tables to newSize. numCells is the number
// of real cells and must not exceed newSize.
func (km *KidMom) ResizeLocal(numCells, newSize cell.LocalIndex) error {
	if newSize < numCells {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"newSize %d is smaller than the cell count %d", newSize, numCells))
	}

	km.cellMother = growOptional(km.cellMother, int(newSize))
	km.cellDaughter = growOptional(km.cellDaughter, int(newSize))
	km.ltop = growIndex(km.ltop, int(newSize))
	km.lpoint = growIndex(km.lpoint, int(newSize))
	return nil
}

func growOptional(s []cell.OptionalGlobal, n int) []cell.OptionalGlobal {
	if n <= len(s) {
		return s[:n]
	}
	grown := make([]cell.OptionalGlobal, n)
	copy(grown, s)
	for i := len(s); i < n; i++ {
		grown[i] = cell.NoGlobal()
	}
	return grown
}

func growIndex(s []cell.LocalIndex, n int) []cell.LocalIndex {
	if n <= len(s) {
		return s[:n]
	}
	grown := make([]cell.LocalIndex, n)
	copy(grown, s)
	return grown
}

// Initialize records the options.
func (km *KidMom) Initialize(options KidMomOptions) { km.options = options }

// InitializeLevel1 clears every mother and daughter link, the state of an
// unrefined mesh.
func (km *KidMom) InitializeLevel1() {
	for i := range km.cellMother {
		km.cellMother[i] = cell.NoGlobal()
	}
	for i := range km.cellDaughter {
		km.cellDaughter[i] = cell.NoGlobal()
	}
}

// CellMother returns the mother table.
func (km *KidMom) CellMother() []cell.OptionalGlobal { return km.cellMother }

// CellDaughter returns the first-daughter table.
func (km *KidMom) CellDaughter() []cell.OptionalGlobal { return km.cellDaughter }

// NumLevels returns the number of refinement levels across all ranks.
func (km *KidMom) NumLevels() int { return km.numLevels }

// Ltop returns the active leaf cell list.
func (km *KidMom) Ltop() []cell.LocalIndex { return km.ltop }

func (km *KidMom) isTop(cells *Cells, l cell.LocalIndex) bool {
	return cells.IsActive(l) && !km.cellDaughter[l].Valid()
}

// BuildTop collects the active leaf cells into ltop and returns the local
// and global leaf counts. Collective.
func (km *KidMom) BuildTop(cells *Cells) (cell.LocalIndex, cell.GlobalIndex, error) {
	numTop := cell.LocalIndex(0)
	for l := cell.LocalIndex(0); l < cells.NumLocalCells(); l++ {
		if km.isTop(cells, l) {
			km.ltop[numTop] = l
			numTop++
		}
	}

	globalTop, err := comm.AllReduceSumUint64(km.comm, uint64(numTop))
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return numTop, cell.GlobalIndex(globalTop), nil
}

// SetupAllTop extends the leaf list with this rank's clone cells.
func (km *KidMom) SetupAllTop(cells *Cells, numTop cell.LocalIndex) cell.LocalIndex {
	total := cells.NumLocalCellsWithClones()
	if int(total) > len(km.allTop) {
		km.allTop = make([]cell.LocalIndex, total)
	}

	copy(km.allTop, km.ltop[:numTop])
	for l := cell.LocalIndex(0); l < cells.NumCloneCells(); l++ {
		km.allTop[numTop+l] = cells.NumLocalCells() + l
	}

	km.allNumTop = numTop + cells.NumCloneCells()
	return km.allNumTop
}

// BuildPack partitions the local cells by refinement level: a counting pass
// sized by the global level count, a prefix sum into lopack, and a stable
// bucket fill of lpoint. Collective.
func (km *KidMom) BuildPack(ctx context.Context, cells *Cells, cellLevel []cell.OptionalLocal) error {
	if len(km.lpoint) < len(cellLevel) {
		return errors.Trace(errors.Newf(errors.CodeInvalidArgument,
			"lpoint holds %d entries but cellLevel has %d; call ResizeLocal first",
			len(km.lpoint), len(cellLevel)))
	}

	numLocal := int(cells.NumLocalCells())
	levels := cellLevel[:numLocal]

	localMax := -1
	for _, lv := range levels {
		if lv.Valid() && int(lv.Get()) > localMax {
			localMax = int(lv.Get())
		}
	}

	globalMax, err := comm.AllReduceMaxUint64(km.comm, uint64(localMax+1))
	if err != nil {
		return errors.Trace(err)
	}

	km.numPack = localMax
	km.maxNumPack = int(globalMax) - 1
	km.numLevels = int(globalMax)

	km.lopack = growIndex(km.lopack, km.numLevels+1)
	if km.numLevels == 0 {
		km.lopack[0] = 0
		return nil
	}

	// Count the number of cells at each level.
	counter := parallel.NewChunkProcessor[cell.OptionalLocal, []cell.LocalIndex](parallel.DefaultPoolConfig())
	levelCounts := counter.ProcessChunks(ctx, levels,
		func(_ context.Context, chunk []cell.OptionalLocal, _ int) []cell.LocalIndex {
			counts := make([]cell.LocalIndex, km.numLevels)
			for _, lv := range chunk {
				if lv.Valid() {
					counts[lv.Get()]++
				}
			}
			return counts
		},
		func(results [][]cell.LocalIndex) []cell.LocalIndex {
			counts := make([]cell.LocalIndex, km.numLevels)
			for _, partial := range results {
				for lv, n := range partial {
					counts[lv] += n
				}
			}
			return counts
		})

	km.lopack[0] = 0
	for lv, n := range levelCounts {
		km.lopack[lv+1] = km.lopack[lv] + n
	}

	// Stable bucket fill keyed on cell level.
	currentLo := append([]cell.LocalIndex(nil), km.lopack[:km.numLevels]...)
	for i, lv := range levels {
		if lv.Valid() {
			km.lpoint[currentLo[lv.Get()]] = cell.LocalIndex(i)
			currentLo[lv.Get()]++
		}
	}

	return nil
}

// CellsAtLevel returns the local cells at the given refinement level.
func (km *KidMom) CellsAtLevel(level int) []cell.LocalIndex {
	if level < 0 || level >= km.numLevels {
		return nil
	}
	return km.lpoint[km.lopack[level]:km.lopack[level+1]]
}

// checkLoHiPackAndLevels audits that lpoint/lopack agree with cellLevel.
func (km *KidMom) checkLoHiPackAndLevels(cells *Cells, cellLevel []cell.OptionalLocal) error {
	if km.lopack[0] != 0 {
		return errors.Trace(errors.Newf(errors.CodeConsistencyError,
			"lopack[0] = %d, want 0", km.lopack[0]))
	}

	expected := 0
	for l := cell.LocalIndex(0); l < cells.NumLocalCells(); l++ {
		if cellLevel[l].Valid() {
			expected++
		}
	}

	found := 0
	for level := 0; level < km.numLevels; level++ {
		for _, l := range km.CellsAtLevel(level) {
			found++
			if !cellLevel[l].Valid() || int(cellLevel[l].Get()) != level {
				return errors.Trace(errors.Newf(errors.CodeConsistencyError,
					"lpoint and cellLevel not in sync at cell %d", l))
			}
		}
	}

	if expected != found {
		return errors.Trace(errors.Newf(errors.CodeConsistencyError,
			"lpoint covers %d cells, cellLevel has %d", found, expected))
	}
	return nil
}

// KidToken returns the token mapping level-L cells to their mothers.
func (km *KidMom) KidToken(level int) *comm.Token { return km.kidTokens[level-1] }

// MomToken returns the token mapping level-L mothers to their first
// daughters.
func (km *KidMom) MomToken(level int) *comm.Token { return km.momTokens[level] }

// MomKidsToken returns the token mapping level-L mothers to daughter slot i.
func (km *KidMom) MomKidsToken(level, i int) *comm.Token {
	return km.momKidsTokens[km.momKidsIndex(level, i)]
}

// momKidsTokens is filled from the deepest mother level downwards.
func (km *KidMom) momKidsIndex(level, i int) int {
	return (km.numLevels-2-level)*km.numKids + i
}

func (km *KidMom) builder(cells *Cells) (*comm.TokenBuilder, error) {
	if err := cells.UpdateGlobalBase(); err != nil {
		return nil, errors.Trace(err)
	}
	return cells.TokenBuilder()
}

// KidMomBuild builds, per level, the token that fetches data from each
// cell's mother. Collective.
func (km *KidMom) KidMomBuild(ctx context.Context, cells *Cells) error {
	// Old tokens are dropped immediately, not kept until the new pool is up.
	km.kidTokens = nil

	builder, err := km.builder(cells)
	if err != nil {
		return errors.Trace(err)
	}

	if km.options.KidMomUseS2S {
		toPEs, err := km.kidMomBuildToPes(builder)
		if err != nil {
			return errors.Trace(err)
		}
		if err := builder.SetToPes(ctx, toPEs); err != nil {
			return errors.Trace(err)
		}
	}

	var homeAddresses []cell.LocalIndex
	var awayGlobals []cell.OptionalGlobal

	for level := 1; level < km.numLevels; level++ {
		homeAddresses = homeAddresses[:0]
		awayGlobals = awayGlobals[:0]

		for _, kid := range km.CellsAtLevel(level) {
			homeAddresses = append(homeAddresses, kid)
			awayGlobals = append(awayGlobals, km.cellMother[kid])
		}

		token, err := builder.BuildGlobal(ctx, homeAddresses, awayGlobals)
		if err != nil {
			return errors.TraceNote(err, "level=%d", level)
		}
		km.kidTokens = append(km.kidTokens, token)
	}
	return nil
}

// MomKidBuild builds, per level, the token that fetches data from each
// mother's first daughter. Collective.
func (km *KidMom) MomKidBuild(ctx context.Context, cells *Cells) error {
	km.momTokens = nil

	builder, err := km.builder(cells)
	if err != nil {
		return errors.Trace(err)
	}

	if km.options.MomKidUseS2S {
		toPEs, err := km.momKidBuildToPes(builder)
		if err != nil {
			return errors.Trace(err)
		}
		if err := builder.SetToPes(ctx, toPEs); err != nil {
			return errors.Trace(err)
		}
	}

	var homeAddresses []cell.LocalIndex
	var awayGlobals []cell.OptionalGlobal

	for level := 0; level < km.numLevels-1; level++ {
		homeAddresses = homeAddresses[:0]
		awayGlobals = awayGlobals[:0]

		for _, mom := range km.CellsAtLevel(level) {
			if kid := km.cellDaughter[mom]; kid.Valid() {
				homeAddresses = append(homeAddresses, mom)
				awayGlobals = append(awayGlobals, kid)
			}
		}

		token, err := builder.BuildGlobal(ctx, homeAddresses, awayGlobals)
		if err != nil {
			return errors.TraceNote(err, "level=%d", level)
		}
		km.momTokens = append(km.momTokens, token)
	}
	return nil
}

// MomKidFree drops the mother->first-kid token pool.
func (km *KidMom) MomKidFree() { km.momTokens = nil }

// MomKidsBuild builds one token per (mother level, daughter slot): slot i
// maps each mother to its i-th daughter, daughters being contiguous in the
// global numbering. Collective.
func (km *KidMom) MomKidsBuild(ctx context.Context, cells *Cells, numDims int) error {
	numKids := 1 << numDims
	km.numKids = numKids
	km.momKidsTokens = nil

	builder, err := km.builder(cells)
	if err != nil {
		return errors.Trace(err)
	}

	if km.options.MomKidsUseS2S {
		toPEs, err := km.momKidsBuildToPes(builder, numDims)
		if err != nil {
			return errors.Trace(err)
		}
		if err := builder.SetToPes(ctx, toPEs); err != nil {
			return errors.Trace(err)
		}
	}

	var homeAddresses []cell.LocalIndex
	var awayGlobals []cell.OptionalGlobal

	for level := km.numLevels - 2; level >= 0; level-- {
		for i := 0; i < numKids; i++ {
			homeAddresses = homeAddresses[:0]
			awayGlobals = awayGlobals[:0]

			for _, mom := range km.CellsAtLevel(level) {
				if kid := km.cellDaughter[mom]; kid.Valid() {
					homeAddresses = append(homeAddresses, mom)
					awayGlobals = append(awayGlobals, kid.Add(cell.GlobalIndex(i)))
				}
			}

			token, err := builder.BuildGlobal(ctx, homeAddresses, awayGlobals)
			if err != nil {
				return errors.TraceNote(err, "level=%d kid=%d", level, i)
			}
			km.momKidsTokens = append(km.momKidsTokens, token)
		}
	}
	return nil
}

// ResetMothersAndDaughters refreshes cellMother and cellDaughter from the
// owning ranks' cell addresses after a relabelling of global ids.
// Collective.
func (km *KidMom) ResetMothersAndDaughters(ctx context.Context, cells *Cells) error {
	for level := km.numLevels - 2; level >= 0; level-- {
		if err := comm.Get(ctx, km.momTokens[level], comm.OpCopy,
			cells.CellAddress(), km.cellDaughter); err != nil {
			return errors.TraceNote(err, "mom level=%d", level)
		}
	}

	for level := 1; level < km.numLevels; level++ {
		if err := comm.Get(ctx, km.kidTokens[level-1], comm.OpCopy,
			cells.CellAddress(), km.cellMother); err != nil {
			return errors.TraceNote(err, "kid level=%d", level)
		}
	}
	return nil
}

// ResetMothersAndDaughtersNew clears the links of cells appended beyond the
// current store.
func (km *KidMom) ResetMothersAndDaughtersNew(cells *Cells, newCells cell.LocalIndex) {
	for l := cells.NumLocalCells(); l < newCells; l++ {
		km.cellMother[l] = cell.NoGlobal()
		km.cellDaughter[l] = cell.NoGlobal()
	}
}

// ReconMove relocates the kid/mom tables with the given alltoallv
// descriptors. Collective.
func (km *KidMom) ReconMove(ctx context.Context, sendStart, sendLength, recvStart, recvLength []cell.LocalIndex) error {
	pattern := NewReconMovePattern(km.comm, sendStart, sendLength, recvStart, recvLength)

	if err := MoveSlice(ctx, pattern, km.cellMother); err != nil {
		return errors.Trace(err)
	}
	if err := MoveSlice(ctx, pattern, km.cellDaughter); err != nil {
		return errors.Trace(err)
	}
	if err := MoveSlice(ctx, pattern, km.ltop); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(MoveSlice(ctx, pattern, km.lpoint))
}

func (km *KidMom) kidMomBuildToPes(builder *comm.TokenBuilder) ([]int, error) {
	toPEs := make([]int, km.comm.Size())
	var awayGlobals []cell.OptionalGlobal

	for level := 1; level < km.numLevels; level++ {
		awayGlobals = awayGlobals[:0]
		for _, kid := range km.CellsAtLevel(level) {
			awayGlobals = append(awayGlobals, km.cellMother[kid])
		}
		if err := builder.FlagPes(awayGlobals, toPEs); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return toPEs, nil
}

func (km *KidMom) momKidBuildToPes(builder *comm.TokenBuilder) ([]int, error) {
	toPEs := make([]int, km.comm.Size())
	var awayGlobals []cell.OptionalGlobal

	for level := 0; level < km.numLevels-1; level++ {
		awayGlobals = awayGlobals[:0]
		for _, mom := range km.CellsAtLevel(level) {
			if kid := km.cellDaughter[mom]; kid.Valid() {
				awayGlobals = append(awayGlobals, kid)
			}
		}
		if err := builder.FlagPes(awayGlobals, toPEs); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return toPEs, nil
}

func (km *KidMom) momKidsBuildToPes(builder *comm.TokenBuilder, numDims int) ([]int, error) {
	numKids := 1 << numDims
	toPEs := make([]int, km.comm.Size())
	var awayGlobals []cell.OptionalGlobal

	for level := km.numLevels - 2; level >= 0; level-- {
		for i := 0; i < numKids; i++ {
			awayGlobals = awayGlobals[:0]
			for _, mom := range km.CellsAtLevel(level) {
				if kid := km.cellDaughter[mom]; kid.Valid() {
					awayGlobals = append(awayGlobals, kid.Add(cell.GlobalIndex(i)))
				}
			}
			if err := builder.FlagPes(awayGlobals, toPEs); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	return toPEs, nil
}
