package goneo

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// MessageFilter selects messages for a MessageCallback. Zero values match anything.
type MessageFilter struct {
	Types              []NetworkType
	Networks           []NetID
	ArbID              uint32
	ArbIDMask          uint32 // 0 disables arbitration id matching
	ExcludeTransmitted bool
}

func (f MessageFilter) Match(msg Message) bool {
	net := msg.Network()
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == net.Type() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Networks) > 0 && !containsNet(f.Networks, net) {
		return false
	}
	switch m := msg.(type) {
	case *CANMessage:
		if f.ExcludeTransmitted && m.Transmitted {
			return false
		}
		if f.ArbIDMask != 0 && m.ArbID&f.ArbIDMask != f.ArbID&f.ArbIDMask {
			return false
		}
	case *EthernetMessage:
		if f.ExcludeTransmitted && m.Transmitted {
			return false
		}
		if f.ArbIDMask != 0 {
			return false
		}
	default:
		if f.ArbIDMask != 0 {
			return false
		}
	}
	return true
}

// FilterArbID matches CAN messages with exactly the given arbitration id.
func FilterArbID(id uint32) MessageFilter {
	return MessageFilter{Types: []NetworkType{NetworkTypeCAN}, ArbID: id, ArbIDMask: MaxExtendedID}
}

type MessageCallback struct {
	Filter MessageFilter
	Fn     func(Message)
}

func NewMessageCallback(fn func(Message), filter ...MessageFilter) MessageCallback {
	cb := MessageCallback{Fn: fn}
	if len(filter) > 0 {
		cb.Filter = filter[0]
	}
	return cb
}

type callbackEntry struct {
	id      int
	cb      MessageCallback
	mu      sync.Mutex // held while the callback runs
	removed atomic.Bool
}

func (e *callbackEntry) run(msg Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return
	}
	e.cb.Fn(msg)
}

// callbackList is copy on write so dispatch never holds the list lock while
// running user code. A list has a single dispatching goroutine at a time.
type callbackList struct {
	mu      sync.Mutex
	nextID  int
	entries atomic.Pointer[[]*callbackEntry]

	// id of the goroutine inside dispatch, 0 when idle
	dispatcher atomic.Uint64
}

func (l *callbackList) add(cb MessageCallback) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e := &callbackEntry{id: l.nextID, cb: cb}
	var cur []*callbackEntry
	if p := l.entries.Load(); p != nil {
		cur = *p
	}
	next := make([]*callbackEntry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	l.entries.Store(&next)
	return e.id
}

// remove unregisters id. Called from another goroutine it blocks until a
// running invocation of the callback returns, called from inside a callback
// it only stops future invocations.
func (l *callbackList) remove(id int) bool {
	e := l.unlink(id)
	if e == nil {
		return false
	}
	if l.dispatcher.Load() != goroutineID() {
		e.mu.Lock()
		e.mu.Unlock()
	}
	return true
}

func (l *callbackList) unlink(id int) *callbackEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.entries.Load()
	if p == nil {
		return nil
	}
	cur := *p
	for i, e := range cur {
		if e.id != id {
			continue
		}
		e.removed.Store(true)
		next := make([]*callbackEntry, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		l.entries.Store(&next)
		return e
	}
	return nil
}

func (l *callbackList) len() int {
	if p := l.entries.Load(); p != nil {
		return len(*p)
	}
	return 0
}

func (l *callbackList) dispatch(msg Message) {
	p := l.entries.Load()
	if p == nil || len(*p) == 0 {
		return
	}
	prev := l.dispatcher.Swap(goroutineID())
	defer l.dispatcher.Store(prev)
	for _, e := range *p {
		if e.cb.Fn == nil || !e.cb.Filter.Match(msg) {
			continue
		}
		e.run(msg)
	}
}

// goroutineID parses the id from the "goroutine N [running]:" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
