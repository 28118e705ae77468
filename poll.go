package goneo

import (
	"sync"
)

// pollBuffer queues incoming messages for GetMessages. When the limit is
// exceeded the oldest messages are dropped.
type pollBuffer struct {
	mu          sync.Mutex
	enabled     bool
	limit       int
	msgs        []Message
	overflowing bool
	dropped     uint64
}

func newPollBuffer(limit int) *pollBuffer {
	if limit <= 0 {
		limit = DefaultPollingLimit
	}
	return &pollBuffer{limit: limit}
}

func (p *pollBuffer) enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

func (p *pollBuffer) disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
	p.msgs = nil
	p.overflowing = false
}

func (p *pollBuffer) isEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// push adds msg, it reports true on the first overflow since the buffer was last read.
func (p *pollBuffer) push(msg Message) (newOverflow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return false
	}
	p.msgs = append(p.msgs, msg)
	return p.enforceLocked()
}

func (p *pollBuffer) enforceLocked() bool {
	excess := len(p.msgs) - p.limit
	if excess <= 0 {
		return false
	}
	for i := 0; i < excess; i++ {
		p.msgs[i] = nil
	}
	p.msgs = p.msgs[excess:]
	if cap(p.msgs) > 2*p.limit {
		compact := make([]Message, len(p.msgs), p.limit+p.limit/4)
		copy(compact, p.msgs)
		p.msgs = compact
	}
	p.dropped += uint64(excess)
	if p.overflowing {
		return false
	}
	p.overflowing = true
	return true
}

func (p *pollBuffer) setLimit(limit int) (newOverflow bool, err error) {
	if limit <= 0 {
		return false, ErrInvalidLimit
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = limit
	return p.enforceLocked(), nil
}

func (p *pollBuffer) getLimit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

func (p *pollBuffer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (p *pollBuffer) droppedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// read appends up to limit messages to dst, limit 0 reads everything queued.
func (p *pollBuffer) read(dst []Message, limit int) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return dst, ErrPollingNotEnabled
	}
	n := len(p.msgs)
	if limit > 0 && limit < n {
		n = limit
	}
	dst = append(dst, p.msgs[:n]...)
	for i := 0; i < n; i++ {
		p.msgs[i] = nil
	}
	p.msgs = p.msgs[n:]
	if len(p.msgs) == 0 {
		p.msgs = p.msgs[:0:0]
	}
	p.overflowing = false
	return dst, nil
}
