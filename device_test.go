package goneo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var virtualSeq atomic.Uint32

// virtualConfig returns a config with a serial prefix no other test uses.
func virtualConfig(extra map[string]string) *Config {
	cfg := NewConfig()
	cfg.Extra["virtual.prefix"] = fmt.Sprintf("T%03d-", virtualSeq.Add(1))
	for k, v := range extra {
		cfg.Extra[k] = v
	}
	return cfg
}

func openVirtual(t *testing.T, extra map[string]string) *Device {
	t.Helper()
	devs, err := FindDevices(context.Background(), virtualConfig(extra), VirtualDriverName)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	dev := devs[0]
	require.NoError(t, dev.Open(context.Background()))
	t.Cleanup(func() {
		if dev.IsOpen() {
			dev.Close()
		}
	})
	return dev
}

func TestFindDevices(t *testing.T) {
	devs, err := FindDevices(context.Background(), virtualConfig(map[string]string{"virtual.count": "3"}), "virtual")
	require.NoError(t, err)
	require.Len(t, devs, 3)
	for i, d := range devs {
		assert.Equal(t, i, d.Handle())
		assert.Equal(t, VirtualDriverName, d.Type())
		assert.False(t, d.IsOpen())
	}
	assert.Less(t, devs[0].Serial(), devs[1].Serial())
	assert.Contains(t, devs[0].SupportedTXNetworks(), OPEthernet2)

	_, err = FindDevices(context.Background(), nil, "nope")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRegisterDriver(t *testing.T) {
	assert.ErrorIs(t, RegisterDriver(nil), ErrNilDriver)
	err := RegisterDriver(&DriverInfo{Name: VirtualDriverName, Find: findVirtual, New: NewVirtual})
	assert.Error(t, err)
	assert.Contains(t, ListDriverNames(), VirtualDriverName)
	assert.Contains(t, SupportedDevices(), SLCANDriverName)
}

func TestDevice_OpenClose(t *testing.T) {
	dev := openVirtual(t, nil)
	assert.True(t, dev.IsOpen())
	assert.ErrorIs(t, dev.Open(context.Background()), ErrAlreadyOpen)

	require.NoError(t, dev.GoOnline(context.Background()))
	assert.True(t, dev.IsOnline())
	require.NoError(t, dev.Close())
	assert.False(t, dev.IsOnline())
	assert.ErrorIs(t, dev.Close(), ErrDeviceNotOpen)
	assert.ErrorIs(t, dev.GoOnline(context.Background()), ErrDeviceNotOpen)

	errs := dev.Errors()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].Details, ErrDeviceNotOpen.Error())
}

func TestDevice_OpenRetry(t *testing.T) {
	devs, err := FindDevices(context.Background(), virtualConfig(map[string]string{"virtual.fail_open": "2"}), VirtualDriverName)
	require.NoError(t, err)
	dev := devs[0]
	require.NoError(t, dev.Open(context.Background()))
	defer dev.Close()

	var retries int
	for _, e := range dev.Events() {
		if e.Type == EventTypeWarning {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestDevice_OpenGivesUp(t *testing.T) {
	cfg := virtualConfig(map[string]string{"virtual.fail_open": "5"})
	cfg.OpenAttempts = 2
	devs, err := FindDevices(context.Background(), cfg, VirtualDriverName)
	require.NoError(t, err)
	err = devs[0].Open(context.Background())
	assert.ErrorIs(t, err, errVirtualOpen)
	assert.False(t, devs[0].IsOpen())
}

func TestDevice_SettingsPersistence(t *testing.T) {
	ctx := context.Background()
	dev := openVirtual(t, nil)
	s := dev.Settings()

	require.NoError(t, s.SetBaudrateFor(HSCAN, 250000))
	require.NoError(t, s.Apply(ctx, false))
	require.NoError(t, s.SetBaudrateFor(MSCAN, 125000))
	require.NoError(t, s.Apply(ctx, true))

	rate, err := s.BaudrateFor(MSCAN)
	require.NoError(t, err)
	assert.Equal(t, int64(125000), rate)

	require.NoError(t, dev.Close())
	_, err = s.BaudrateFor(HSCAN)
	assert.ErrorIs(t, err, ErrDeviceNotOpen)
	require.NoError(t, dev.Open(ctx))

	rate, err = s.BaudrateFor(HSCAN)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), rate, "permanent settings survive a reopen")
	rate, err = s.BaudrateFor(MSCAN)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaudrate, rate, "temporary settings are lost on reopen")

	require.NoError(t, s.ApplyDefaults(ctx))
	rate, _ = s.BaudrateFor(HSCAN)
	assert.Equal(t, DefaultBaudrate, rate)
}

func TestDevice_TransmitRequiresOnline(t *testing.T) {
	dev := openVirtual(t, nil)
	msg := NewCANMessage(HSCAN, 0x123, []byte{1, 2})
	assert.ErrorIs(t, dev.Transmit(msg), ErrDeviceOffline)
	assert.ErrorIs(t, dev.Transmit(nil), ErrInvalidMessage)

	require.NoError(t, dev.GoOnline(context.Background()))
	assert.ErrorIs(t, dev.Transmit(&CANMessage{NetID: HSCAN3, ArbID: 1}), ErrUnsupportedTXNetwork)
	assert.ErrorIs(t, dev.Transmit(&CANMessage{NetID: MSCAN, ArbID: 1, FD: true}), ErrFDNotSupported)
	assert.ErrorIs(t, dev.Transmit(&CANMessage{NetID: HSCAN, ArbID: 0x800}), ErrInvalidMessage)
	assert.ErrorIs(t, dev.Transmit(&RawMessage{NetID: HSCAN}), ErrInvalidMessage)
	require.NoError(t, dev.Transmit(msg))

	require.NoError(t, dev.GoOffline(context.Background()))
	require.NoError(t, dev.GoOffline(context.Background()))
	assert.ErrorIs(t, dev.Transmit(msg), ErrDeviceOffline)
}

func TestDevice_CallbackEcho(t *testing.T) {
	dev := openVirtual(t, nil)
	require.NoError(t, dev.GoOnline(context.Background()))

	got := make(chan *CANMessage, 4)
	id := dev.AddMessageCallback(NewMessageCallback(func(m Message) {
		got <- m.(*CANMessage)
	}, MessageFilter{Types: []NetworkType{NetworkTypeCAN}}))

	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, dev.Transmit(&CANMessage{NetID: HSCAN, ArbID: 0x1C5001C5, Extended: true, FD: true, BRS: true, Data: data}))

	select {
	case m := <-got:
		assert.True(t, m.Transmitted)
		assert.True(t, m.FD)
		assert.Equal(t, uint32(0x1C5001C5), m.ArbID)
		assert.Equal(t, data, m.Data)
		assert.NotZero(t, m.Time)
	case <-time.After(time.Second):
		t.Fatal("no echo received")
	}

	assert.True(t, dev.RemoveMessageCallback(id))
	assert.False(t, dev.RemoveMessageCallback(id))
	require.NoError(t, dev.Transmit(NewCANMessage(HSCAN, 0x10, nil)))
	assert.Eventually(t, func() bool { return dev.Stats().Received == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, got)
}

func TestDevice_Polling(t *testing.T) {
	dev := openVirtual(t, nil)
	_, err := dev.GetMessages(0)
	assert.ErrorIs(t, err, ErrPollingNotEnabled)

	dev.EnableMessagePolling()
	assert.True(t, dev.IsMessagePollingEnabled())
	assert.Equal(t, DefaultPollingLimit, dev.PollingMessageLimit())
	require.NoError(t, dev.SetPollingMessageLimit(5))
	assert.ErrorIs(t, dev.SetPollingMessageLimit(0), ErrInvalidLimit)
	require.NoError(t, dev.GoOnline(context.Background()))

	v := dev.Driver().(*Virtual)
	for i := uint32(0); i < 8; i++ {
		require.NoError(t, v.Inject(NewCANMessage(MSCAN, i, []byte{byte(i)})))
	}
	assert.Eventually(t, func() bool { return dev.Stats().Received == 8 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, dev.CurrentMessageCount())

	msgs, err := dev.GetMessages(2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint32(3), msgs[0].(*CANMessage).ArbID, "oldest messages were discarded")

	msgs, err = dev.ReadMessages(msgs[:0], 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), dev.Stats().PollOverflows)

	var overflow int
	for _, e := range dev.Events() {
		if e.Type == EventTypeWarning {
			overflow++
		}
	}
	assert.Equal(t, 1, overflow)
}

func TestDevice_EthernetPadding(t *testing.T) {
	dev := openVirtual(t, nil)
	dev.EnableMessagePolling()
	require.NoError(t, dev.GoOnline(context.Background()))

	msg := NewEthernetMessage(OPEthernet2,
		[]byte{0x00, 0xFC, 0x70, 0x00, 0x01, 0x02},
		[]byte{0x00, 0xFC, 0x70, 0x00, 0x01, 0x01},
		0x0800, []byte{0x01, 0xC5, 0x01, 0xC5})
	require.NoError(t, dev.Transmit(msg))
	assert.Len(t, msg.Data, 18, "caller's message is not modified")

	assert.Eventually(t, func() bool { return dev.CurrentMessageCount() == 1 }, time.Second, 5*time.Millisecond)
	msgs, err := dev.GetMessages(0)
	require.NoError(t, err)
	eth := msgs[0].(*EthernetMessage)
	assert.Len(t, eth.Data, 60)
	assert.True(t, eth.Transmitted)
	assert.Equal(t, uint16(0x0800), eth.EtherType())
}

func TestDevice_TrafficGenerator(t *testing.T) {
	dev := openVirtual(t, map[string]string{"virtual.traffic": "1ms"})
	dev.EnableMessagePolling()
	require.NoError(t, dev.GoOnline(context.Background()))
	assert.Eventually(t, func() bool { return dev.CurrentMessageCount() > 10 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, dev.Close())
}

func TestOpenDevice(t *testing.T) {
	cfg := virtualConfig(map[string]string{"virtual.count": "2"})
	prefix := cfg.Extra["virtual.prefix"]
	dev, err := OpenDevice(context.Background(), cfg, VirtualDriverName, prefix+"0002")
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, prefix+"0002", dev.Serial())
	assert.Equal(t, 1, dev.Handle())

	_, err = OpenDevice(context.Background(), cfg, VirtualDriverName, "missing")
	assert.Error(t, err)
}

// stubDriver never drains its send queue.
type stubDriver struct {
	*BaseDriver
	onSend func()
}

func (s *stubDriver) Open(context.Context) error            { return nil }
func (s *stubDriver) SetOnline(context.Context, bool) error { return nil }
func (s *stubDriver) LoadDefaults(context.Context) error    { return nil }

func (s *stubDriver) Close() error {
	s.BaseDriver.Close()
	return nil
}

func (s *stubDriver) WriteSettings(context.Context, BaudTable, Persistence) error {
	return nil
}

func (s *stubDriver) ReadSettings(context.Context) (BaudTable, error) {
	return DefaultBaudTable(stubCapabilities), nil
}

func (s *stubDriver) Send() chan<- Message {
	if s.onSend != nil {
		s.onSend()
	}
	return s.BaseDriver.Send()
}

var stubCapabilities = Capabilities{RXNetworks: []NetID{HSCAN}, TXNetworks: []NetID{HSCAN}}

func openStub(t *testing.T, cfg *Config) (*Device, *stubDriver) {
	t.Helper()
	drv := &stubDriver{BaseDriver: NewBaseDriver("Stub", cfg)}
	info := &DriverInfo{
		Name: "Stub",
		New:  func(*Config, Descriptor) (Driver, error) { return drv, nil },
	}
	dev := newDevice(info, Descriptor{Type: "Stub", Serial: "ST0001", Capabilities: stubCapabilities}, cfg)
	require.NoError(t, dev.Open(context.Background()))
	require.NoError(t, dev.GoOnline(context.Background()))
	t.Cleanup(func() {
		if dev.IsOpen() {
			dev.Close()
		}
	})
	return dev, drv
}

func TestDevice_SendTimeout(t *testing.T) {
	cfg := NewConfig()
	cfg.SendTimeout = 10 * time.Millisecond
	dev, _ := openStub(t, cfg)

	msg := NewCANMessage(HSCAN, 0x123, []byte{1})
	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = dev.Transmit(msg)
	}
	assert.ErrorIs(t, err, ErrSendTimeout)
	st := dev.Stats()
	assert.Equal(t, uint64(1), st.TXErrors)
	assert.Equal(t, uint64(40), st.Transmitted)

	last, ok := dev.LastError()
	require.True(t, ok)
	assert.Equal(t, ErrSendTimeout.Error(), last.Details)
}

func TestDevice_FatalDriverError(t *testing.T) {
	dev, drv := openStub(t, NewConfig())
	require.True(t, dev.IsOnline())

	drv.Fatal(Unrecoverable(errors.New("usb device gone")))
	assert.Eventually(t, func() bool { return !dev.IsOnline() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, dev.Transmit(NewCANMessage(HSCAN, 1, nil)), ErrDeviceOffline)

	var found bool
	for _, e := range dev.Errors() {
		if strings.Contains(e.Details, "driver failure: usb device gone") {
			found = true
		}
	}
	assert.True(t, found, "fatal error is reported as an error event")
	require.NoError(t, dev.Close())
}

func TestDevice_TransmitRacingClose(t *testing.T) {
	dev, drv := openStub(t, NewConfig())
	drv.onSend = func() {
		drv.onSend = nil
		require.NoError(t, dev.Close())
	}
	err := dev.Transmit(NewCANMessage(HSCAN, 0x123, []byte{1}))
	assert.ErrorIs(t, err, ErrDeviceNotOpen)
	assert.Zero(t, dev.Stats().Transmitted)
}
