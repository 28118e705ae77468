package goneo

import (
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
)

// BaseDriver holds the channels shared by every Driver implementation.
type BaseDriver struct {
	name               string
	cfg                *Config
	sendChan, recvChan chan Message

	errOnce sync.Once
	errChan chan error

	evtChan chan Event

	closeOnce sync.Once
	closeChan chan struct{}
}

func NewBaseDriver(name string, cfg *Config) *BaseDriver {
	return &BaseDriver{
		name:      name,
		cfg:       cfg,
		sendChan:  make(chan Message, 40),
		recvChan:  make(chan Message, 1024),
		errChan:   make(chan error, 1),
		evtChan:   make(chan Event, 100),
		closeChan: make(chan struct{}),
	}
}

// Name returns the driver name.
func (base *BaseDriver) Name() string {
	return base.name
}

// Return the send channel for the driver
func (base *BaseDriver) Send() chan<- Message {
	return base.sendChan
}

// Return the receive channel for the driver
func (base *BaseDriver) Recv() <-chan Message {
	return base.recvChan
}

// Return the error channel for the driver
func (base *BaseDriver) Err() <-chan error {
	return base.errChan
}

func (base *BaseDriver) Event() <-chan Event {
	return base.evtChan
}

func (base *BaseDriver) Close() {
	base.closeOnce.Do(func() {
		close(base.closeChan)
	})
}

func (base *BaseDriver) closed() bool {
	select {
	case <-base.closeChan:
		return true
	default:
		return false
	}
}

// Fatal sets a driver error, meaning communication is broken and cannot continue.
func (base *BaseDriver) Fatal(err error) {
	base.errOnce.Do(func() {
		select {
		case base.errChan <- err:
		default:
			_, file, no, ok := runtime.Caller(1)
			if ok {
				log.Error().Str("caller", filepath.Base(file)).Int("line", no).Err(err).Msg("error channel full")
			} else {
				log.Error().Err(err).Msg("error channel full")
			}
		}
	})
}

// deliver hands an incoming message to the device, dropping it when the receive queue is full.
func (base *BaseDriver) deliver(msg Message) bool {
	select {
	case base.recvChan <- msg:
		return true
	default:
		base.Error(ErrDroppedFrame)
		return false
	}
}

func (base *BaseDriver) sendEvent(eventType EventType, details string) {
	select {
	case base.evtChan <- Event{Type: eventType, Details: details}:
	default:
		_, file, no, ok := runtime.Caller(2)
		if ok {
			log.Warn().Str("caller", filepath.Base(file)).Int("line", no).Msgf("event channel full: %s", details)
		} else {
			log.Warn().Msgf("event channel full: %s", details)
		}
	}
}

// Send an error event
func (base *BaseDriver) Error(err error) {
	base.sendEvent(EventTypeError, err.Error())
}

// Send a warning event
func (base *BaseDriver) Warn(warn string) {
	base.sendEvent(EventTypeWarning, warn)
}

// Send an info event
func (base *BaseDriver) Info(info string) {
	base.sendEvent(EventTypeInfo, info)
}

// Send a debug event
func (base *BaseDriver) Debug(debug string) {
	if base.cfg != nil && !base.cfg.Debug {
		return
	}
	base.sendEvent(EventTypeDebug, debug)
}
