package comm

import "github.com/meshcomm/pkg/errors"

// recvCompletion iterates over completed receive requests. It masks the
// difference between rank-ordered completion (requests are surfaced in
// posting order, which is ascending peer rank) and any-order completion
// (requests surface as they finish, allowing more overlap).
type recvCompletion struct {
	requests    []Request
	done        []bool
	rankOrder   bool
	numConsumed int
}

func newRecvCompletion(requests []Request, rankOrder bool) *recvCompletion {
	return &recvCompletion{
		requests:  requests,
		done:      make([]bool, len(requests)),
		rankOrder: rankOrder,
	}
}

// next returns the indices of requests completed by this call. more is false
// once every request has been consumed.
func (rc *recvCompletion) next() (completed []int, more bool, err error) {
	if rc.numConsumed == len(rc.requests) {
		return nil, false, nil
	}

	if rc.rankOrder {
		for len(completed) == 0 {
			if _, err := WaitSome(rc.requests, rc.done); err != nil {
				return nil, false, errors.Trace(err)
			}
			for rc.numConsumed < len(rc.requests) && rc.done[rc.numConsumed] {
				completed = append(completed, rc.numConsumed)
				rc.numConsumed++
			}
		}
		return completed, true, nil
	}

	completed, err = WaitSome(rc.requests, rc.done)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	rc.numConsumed += len(completed)
	return completed, true, nil
}
