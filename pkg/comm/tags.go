package comm

// Reserved message tags. The 1000-range values are the subsystem's wire
// protocol; the 900-range is claimed by the derived collectives. Transports
// may reserve further internal tags at 930 and above.
const (
	// TagBuildGlobal carries the index-exchange handshake in BuildLocal.
	TagBuildGlobal = 1000
	// TagTokenGS carries Token Get/Put payload segments.
	TagTokenGS = 1001
	// TagSomeToSome carries sparse per-peer counts.
	TagSomeToSome = 1002
	// TagMove carries Move bulk-relocation payloads.
	TagMove = 1003

	// tagBarrier + round number, one tag per dissemination round.
	tagBarrier = 900
	tagGather  = 920
	tagAll2All = 921
)
