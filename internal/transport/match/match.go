// Package match implements MPI-style tag matching shared by the transports:
// per (sender, tag) FIFO queues pairing arrived messages with posted
// receives.
package match

import (
	"sync"

	"github.com/meshcomm/pkg/comm"
	"github.com/meshcomm/pkg/errors"
)

// Mailbox holds one rank's unmatched messages and posted receives.
type Mailbox struct {
	mu     sync.Mutex
	queues map[key]*queue
}

type key struct {
	src int
	tag int
}

type queue struct {
	messages [][]byte
	receives []*pendingRecv
}

type pendingRecv struct {
	buf []byte
	req *Request
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{queues: make(map[key]*queue)}
}

func (m *Mailbox) queue(src, tag int) *queue {
	q := m.queues[key{src, tag}]
	if q == nil {
		q = &queue{}
		m.queues[key{src, tag}] = q
	}
	return q
}

// Deliver hands an arrived message to the mailbox. Ownership of payload
// transfers to the mailbox; callers that reuse their buffer must copy first.
func (m *Mailbox) Deliver(src, tag int, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(src, tag)
	if len(q.receives) > 0 {
		recv := q.receives[0]
		q.receives = q.receives[1:]
		recv.req.Complete(fill(recv.buf, payload))
		return
	}

	q.messages = append(q.messages, payload)
}

// Post registers a receive for the next message from (src, tag). The
// returned request completes once a matching message has been copied into
// buf.
func (m *Mailbox) Post(src, tag int, buf []byte) comm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(src, tag)
	if len(q.messages) > 0 {
		payload := q.messages[0]
		q.messages = q.messages[1:]

		req := NewRequest()
		req.Complete(fill(buf, payload))
		return req
	}

	req := NewRequest()
	q.receives = append(q.receives, &pendingRecv{buf: buf, req: req})
	return req
}

func fill(buf, payload []byte) error {
	if len(payload) > len(buf) {
		return errors.Trace(errors.Newf(errors.CodeTransportError,
			"message truncated: %d bytes arrived for a %d-byte receive", len(payload), len(buf)))
	}
	copy(buf, payload)
	return nil
}

// Request is a completable request handle.
type Request struct {
	done chan struct{}
	err  error
}

// NewRequest creates an incomplete request.
func NewRequest() *Request {
	return &Request{done: make(chan struct{})}
}

// Complete finishes the request with err. Must be called exactly once.
func (r *Request) Complete(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until completion.
func (r *Request) Wait() error {
	<-r.done
	return r.err
}

// Done is closed on completion.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the completion error.
func (r *Request) Err() error { return r.err }

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Completed returns a request that was done at birth, the handle of a
// buffered send.
func Completed() comm.Request { return completedRequest{} }

type completedRequest struct{}

func (completedRequest) Wait() error           { return nil }
func (completedRequest) Done() <-chan struct{} { return closedChan }
func (completedRequest) Err() error            { return nil }
