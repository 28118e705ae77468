//go:build linux

package goneo

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
)

const SocketCANDriverName = "SocketCAN"

var socketCANCapabilities = Capabilities{
	RXNetworks: []NetID{HSCAN},
	TXNetworks: []NetID{HSCAN},
}

func init() {
	if err := RegisterDriver(&DriverInfo{
		Name:         SocketCANDriverName,
		Description:  "Linux SocketCAN network interfaces",
		Capabilities: socketCANCapabilities,
		Find:         findSocketCAN,
		New:          NewSocketCAN,
	}); err != nil {
		panic(err)
	}
}

func findSocketCAN(_ context.Context, _ *Config) ([]Descriptor, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, i := range ifaces {
		if !strings.HasPrefix(i.Name, "can") && !strings.HasPrefix(i.Name, "vcan") {
			continue
		}
		out = append(out, Descriptor{
			Type:         SocketCANDriverName,
			Serial:       i.Name,
			Port:         i.Name,
			Capabilities: socketCANCapabilities,
		})
	}
	return out, nil
}

type SocketCAN struct {
	*BaseDriver
	iface string
	d     *candevice.Device
	conn  net.Conn
	tx    *socketcan.Transmitter
	rx    *socketcan.Receiver

	mu     sync.Mutex
	table  BaudTable
	online bool
}

func NewSocketCAN(cfg *Config, desc Descriptor) (Driver, error) {
	return &SocketCAN{
		BaseDriver: NewBaseDriver(SocketCANDriverName, cfg),
		iface:      desc.Port,
		table:      DefaultBaudTable(socketCANCapabilities),
	}, nil
}

// virtual interfaces have no bit timing
func (a *SocketCAN) isVirtual() bool {
	return strings.HasPrefix(a.iface, "vcan")
}

func (a *SocketCAN) Open(ctx context.Context) error {
	if !a.isVirtual() {
		d, err := candevice.New(a.iface)
		if err != nil {
			return Unrecoverable(err)
		}
		a.d = d
	}
	conn, err := socketcan.DialContext(ctx, "can", a.iface)
	if err != nil {
		return err
	}
	a.conn = conn
	a.tx = socketcan.NewTransmitter(conn)
	a.rx = socketcan.NewReceiver(conn)

	go a.recvManager()
	go a.sendManager(ctx)
	return nil
}

func (a *SocketCAN) Close() error {
	a.BaseDriver.Close()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *SocketCAN) setBitrate(baud int64) error {
	if a.d == nil {
		return nil
	}
	if err := a.d.SetDown(); err != nil {
		return err
	}
	if err := a.d.SetBitrate(uint32(baud)); err != nil {
		return err
	}
	return a.d.SetUp()
}

func (a *SocketCAN) SetOnline(_ context.Context, online bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if online {
		if err := a.setBitrate(a.table[HSCAN].Baudrate); err != nil {
			return fmt.Errorf("failed to configure %s: %w", a.iface, err)
		}
	}
	a.online = online
	return nil
}

func (a *SocketCAN) isOnline() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.online
}

func (a *SocketCAN) ReadSettings(context.Context) (BaudTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.Clone(), nil
}

func (a *SocketCAN) WriteSettings(_ context.Context, table BaudTable, p Persistence) error {
	if p == Permanent {
		a.Warn("SocketCAN bitrates are kept until the interface is reconfigured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.online {
		if err := a.setBitrate(table[HSCAN].Baudrate); err != nil {
			return err
		}
	}
	a.table = table.Clone()
	return nil
}

func (a *SocketCAN) LoadDefaults(ctx context.Context) error {
	return a.WriteSettings(ctx, DefaultBaudTable(socketCANCapabilities), Temporary)
}

func (a *SocketCAN) recvManager() {
	for a.rx.Receive() {
		if a.rx.HasErrorFrame() {
			a.Warn(fmt.Sprintf("error frame: %v", a.rx.ErrorFrame()))
			continue
		}
		if !a.isOnline() {
			continue
		}
		f := a.rx.Frame()
		msg := &CANMessage{
			NetID:    HSCAN,
			ArbID:    f.ID,
			Extended: f.IsExtended,
			RTR:      f.IsRemote,
			Data:     append([]byte(nil), f.Data[:f.Length]...),
			Time:     now(),
		}
		a.deliver(msg)
	}
	if err := a.rx.Err(); err != nil && !a.closed() {
		a.Fatal(Unrecoverable(fmt.Errorf("%s receive: %w", a.iface, err)))
	}
}

func (a *SocketCAN) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeChan:
			return
		case msg := <-a.sendChan:
			m, ok := msg.(*CANMessage)
			if !ok || m.FD {
				a.Warn(fmt.Sprintf("SocketCAN can not transmit %s", msg))
				continue
			}
			frame := can.Frame{
				ID:         m.ArbID,
				Length:     uint8(len(m.Data)),
				IsExtended: m.Extended,
				IsRemote:   m.RTR,
			}
			copy(frame.Data[:], m.Data)
			if err := a.tx.TransmitFrame(ctx, frame); err != nil {
				a.Error(fmt.Errorf("send error: %w", err))
			}
		}
	}
}
