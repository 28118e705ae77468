package goneo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version of the library.
const Version = "0.4.0"

// Device is a vehicle network interface found by FindAllDevices.
type Device struct {
	info   *DriverInfo
	desc   Descriptor
	cfg    *Config
	handle int
	log    zerolog.Logger
	events *EventLog

	settings Settings

	mu     sync.Mutex
	driver Driver
	tx     atomic.Pointer[driverRef]
	cancel context.CancelFunc
	done   chan struct{}
	online atomic.Bool

	poll      *pollBuffer
	callbacks callbackList

	rxCount, txCount, txErrors atomic.Uint64
}

type driverRef struct {
	Driver
}

func newDevice(info *DriverInfo, desc Descriptor, cfg *Config) *Device {
	cfg.setDefaults()
	d := &Device{
		info:   info,
		desc:   desc,
		cfg:    cfg,
		events: NewEventLog(cfg.EventLimit),
		poll:   newPollBuffer(cfg.PollingLimit),
	}
	d.log = log.With().Str("device", d.String()).Logger().Level(cfg.logLevel())
	return d
}

// OpenDevice finds a device by driver name and serial and opens it. An empty
// serial picks the first device the driver reports.
func OpenDevice(ctx context.Context, cfg *Config, driver, serial string) (*Device, error) {
	devices, err := FindDevices(ctx, cfg, driver)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if serial == "" || dev.Serial() == serial {
			if err := dev.Open(ctx); err != nil {
				return nil, err
			}
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no %s device with serial %q found", driver, serial)
}

func (d *Device) Type() string   { return d.desc.Type }
func (d *Device) Serial() string { return d.desc.Serial }
func (d *Device) Port() string   { return d.desc.Port }

// Handle is the index the device got during discovery.
func (d *Device) Handle() int { return d.handle }

func (d *Device) String() string {
	return d.desc.Type + " " + d.desc.Serial
}

func (d *Device) Capabilities() Capabilities { return d.desc.Capabilities }

func (d *Device) SupportedRXNetworks() []NetID {
	return append([]NetID(nil), d.desc.Capabilities.RXNetworks...)
}

func (d *Device) SupportedTXNetworks() []NetID {
	return append([]NetID(nil), d.desc.Capabilities.TXNetworks...)
}

// Settings returns the settings of the device, they are only usable while the device is open.
func (d *Device) Settings() *Settings {
	return &d.settings
}

// Driver returns the underlying driver or nil when the device is closed.
func (d *Device) Driver() Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driver
}

func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driver != nil
}

func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver != nil {
		return d.fail(ErrAlreadyOpen)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var drv Driver
	err := retry.Do(func() error {
		dr, err := d.info.New(d.cfg, d.desc)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if dr == nil {
			return retry.Unrecoverable(ErrNilDriver)
		}
		if err := dr.Open(runCtx); err != nil {
			dr.Close()
			if !IsRecoverable(err) {
				return retry.Unrecoverable(err)
			}
			return err
		}
		drv = dr
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(d.cfg.OpenAttempts),
		retry.Delay(100*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			d.reportf(EventTypeWarning, "open retry #%d: %v", n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		cancel()
		return d.fail(fmt.Errorf("failed to open %s: %w", d, err))
	}

	if err := d.settings.attach(ctx, drv, d.desc.Capabilities); err != nil {
		cancel()
		drv.Close()
		return d.fail(err)
	}

	d.driver = drv
	d.tx.Store(&driverRef{drv})
	d.cancel = cancel
	d.done = make(chan struct{})
	d.online.Store(false)
	go d.run(runCtx, drv, d.done)
	d.reportf(EventTypeInfo, "opened")
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver == nil {
		return d.fail(ErrDeviceNotOpen)
	}
	var firstErr error
	if d.online.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := d.driver.SetOnline(ctx, false); err != nil {
			firstErr = fmt.Errorf("failed to go offline: %w", err)
		}
		cancel()
		d.online.Store(false)
	}
	d.tx.Store(nil)
	d.cancel()
	if err := d.driver.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-d.done
	d.settings.detach()
	d.driver = nil
	d.cancel = nil
	if firstErr != nil {
		return d.fail(firstErr)
	}
	d.reportf(EventTypeInfo, "closed")
	return nil
}

// GoOnline tells the device to start listening, ACKing traffic and passing it to us.
func (d *Device) GoOnline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver == nil {
		return d.fail(ErrDeviceNotOpen)
	}
	if d.online.Load() {
		return nil
	}
	if err := d.driver.SetOnline(ctx, true); err != nil {
		return d.fail(fmt.Errorf("failed to go online: %w", err))
	}
	d.online.Store(true)
	return nil
}

// GoOffline stops sending and receiving traffic.
func (d *Device) GoOffline(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.driver == nil {
		return d.fail(ErrDeviceNotOpen)
	}
	if !d.online.Load() {
		return nil
	}
	if err := d.driver.SetOnline(ctx, false); err != nil {
		return d.fail(fmt.Errorf("failed to go offline: %w", err))
	}
	d.online.Store(false)
	return nil
}

func (d *Device) IsOnline() bool {
	return d.online.Load()
}

func (d *Device) EnableMessagePolling() {
	d.poll.enable()
}

// DisableMessagePolling stops queueing and drops any queued messages.
func (d *Device) DisableMessagePolling() {
	d.poll.disable()
}

func (d *Device) IsMessagePollingEnabled() bool {
	return d.poll.isEnabled()
}

func (d *Device) SetPollingMessageLimit(limit int) error {
	overflow, err := d.poll.setLimit(limit)
	if err != nil {
		return d.fail(err)
	}
	if overflow {
		d.reportf(EventTypeWarning, "polling message overflow, oldest messages discarded")
	}
	return nil
}

func (d *Device) PollingMessageLimit() int {
	return d.poll.getLimit()
}

func (d *Device) CurrentMessageCount() int {
	return d.poll.count()
}

// GetMessages drains up to limit queued messages, 0 drains everything.
func (d *Device) GetMessages(limit int) ([]Message, error) {
	return d.ReadMessages(nil, limit)
}

// ReadMessages appends queued messages to dst, a caller reusing a pre sized
// dst[:0] avoids reallocation.
func (d *Device) ReadMessages(dst []Message, limit int) ([]Message, error) {
	out, err := d.poll.read(dst, limit)
	if err != nil {
		return out, d.fail(err)
	}
	return out, nil
}

// AddMessageCallback registers cb and returns an id for RemoveMessageCallback.
// Callbacks run on the device dispatch goroutine in arrival order and must not call Close.
func (d *Device) AddMessageCallback(cb MessageCallback) int {
	return d.callbacks.add(cb)
}

// RemoveMessageCallback unregisters a callback, it is not called again once this returns.
func (d *Device) RemoveMessageCallback(id int) bool {
	return d.callbacks.remove(id)
}

func (d *Device) Transmit(msg Message) error {
	if msg == nil {
		return d.fail(fmt.Errorf("%w: nil message", ErrInvalidMessage))
	}
	drv := d.tx.Load()
	if drv == nil {
		return d.fail(ErrDeviceNotOpen)
	}
	if !d.online.Load() {
		return d.fail(ErrDeviceOffline)
	}
	network := msg.Network()
	if !containsNet(d.desc.Capabilities.TXNetworks, network) {
		return d.fail(fmt.Errorf("%w: %s", ErrUnsupportedTXNetwork, network))
	}

	var out Message
	switch m := msg.(type) {
	case *CANMessage:
		if m.FD && !containsNet(d.desc.Capabilities.FDNetworks, network) {
			return d.fail(fmt.Errorf("%w: %s", ErrFDNotSupported, network))
		}
		if err := m.Validate(); err != nil {
			return d.fail(err)
		}
		out = cloneMessage(m)
	case *EthernetMessage:
		if err := m.Validate(); err != nil {
			return d.fail(err)
		}
		c := cloneMessage(m).(*EthernetMessage)
		c.Data = c.padded()
		out = c
	default:
		return d.fail(fmt.Errorf("%w: can not transmit %T", ErrInvalidMessage, msg))
	}

	t := time.NewTimer(d.cfg.SendTimeout)
	defer t.Stop()
	select {
	case drv.Send() <- out:
		// closed while sending, the frame may never reach the bus
		if d.tx.Load() != drv {
			d.txErrors.Add(1)
			return d.fail(ErrDeviceNotOpen)
		}
		d.txCount.Add(1)
		return nil
	case <-t.C:
		d.txErrors.Add(1)
		return d.fail(ErrSendTimeout)
	}
}

// TransmitAll transmits msgs in order and stops at the first failure.
func (d *Device) TransmitAll(msgs ...Message) error {
	for i, msg := range msgs {
		if err := d.Transmit(msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

type Stats struct {
	Received      uint64
	Transmitted   uint64
	TXErrors      uint64
	PollOverflows uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("recv: %d sent: %d tx errors: %d poll dropped: %d", st.Received, st.Transmitted, st.TXErrors, st.PollOverflows)
}

func (d *Device) Stats() Stats {
	return Stats{
		Received:      d.rxCount.Load(),
		Transmitted:   d.txCount.Load(),
		TXErrors:      d.txErrors.Load(),
		PollOverflows: d.poll.droppedCount(),
	}
}

// Errors drains the error events reported for this device.
func (d *Device) Errors() []Event { return d.events.Errors() }

// Events drains every event reported for this device.
func (d *Device) Events() []Event { return d.events.Events() }

func (d *Device) LastError() (Event, bool) { return d.events.LastError() }

func (d *Device) run(ctx context.Context, drv Driver, done chan struct{}) {
	defer close(done)
	recv, errs, evts := drv.Recv(), drv.Err(), drv.Event()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recv:
			if !ok {
				return
			}
			d.dispatch(msg)
		case evt := <-evts:
			d.report(evt.Type, evt.Details)
		case err := <-errs:
			if err == nil {
				continue
			}
			d.online.Store(false)
			d.reportf(EventTypeError, "driver failure: %v", err)
			errs = nil
		}
	}
}

func (d *Device) dispatch(msg Message) {
	d.rxCount.Add(1)
	if d.poll.push(msg) {
		d.reportf(EventTypeWarning, "polling message overflow, oldest messages discarded")
	}
	d.callbacks.dispatch(msg)
}

func (d *Device) fail(err error) error {
	d.report(EventTypeError, err.Error())
	return err
}

func (d *Device) reportf(t EventType, format string, args ...any) {
	d.report(t, fmt.Sprintf(format, args...))
}

func (d *Device) report(t EventType, details string) {
	e := Event{Type: t, Details: details, Device: d.String(), Time: time.Now()}
	d.events.Add(e)
	ReportEvent(e)
	switch t {
	case EventTypeError:
		d.log.Error().Msg(details)
	case EventTypeWarning:
		d.log.Warn().Msg(details)
	case EventTypeInfo:
		d.cfg.OnMessage(d.String() + ": " + details)
	default:
		d.log.Debug().Msg(details)
	}
}
