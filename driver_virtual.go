package goneo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const VirtualDriverName = "Virtual"

var virtualCapabilities = Capabilities{
	RXNetworks:         []NetID{HSCAN, MSCAN, HSCAN2, SWCAN, OPEthernet1, OPEthernet2},
	TXNetworks:         []NetID{HSCAN, MSCAN, HSCAN2, SWCAN, OPEthernet1, OPEthernet2},
	FDNetworks:         []NetID{HSCAN, HSCAN2},
	PersistentSettings: true,
}

func init() {
	if err := RegisterDriver(&DriverInfo{
		Name:         VirtualDriverName,
		Description:  "Simulated device, transmitted messages are looped back",
		Capabilities: virtualCapabilities,
		Find:         findVirtual,
		New:          NewVirtual,
	}); err != nil {
		panic(err)
	}
}

// virtualState outlives a single open so permanent settings survive a reconnect.
type virtualState struct {
	eeprom       BaudTable
	failOpenLeft int
}

var (
	virtualMu     sync.Mutex
	virtualStates = make(map[string]*virtualState)
)

func virtualStateFor(serial string, cfg *Config) *virtualState {
	virtualMu.Lock()
	defer virtualMu.Unlock()
	st, ok := virtualStates[serial]
	if !ok {
		st = &virtualState{
			eeprom:       DefaultBaudTable(virtualCapabilities),
			failOpenLeft: cfg.extraInt("virtual.fail_open", 0),
		}
		virtualStates[serial] = st
	}
	return st
}

func findVirtual(_ context.Context, cfg *Config) ([]Descriptor, error) {
	prefix := cfg.extraString("virtual.prefix", "VS")
	count := cfg.extraInt("virtual.count", 1)
	out := make([]Descriptor, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, Descriptor{
			Type:         VirtualDriverName,
			Serial:       fmt.Sprintf("%s%04d", prefix, i+1),
			Capabilities: virtualCapabilities,
		})
	}
	return out, nil
}

var errVirtualOpen = errors.New("simulated open failure")

type Virtual struct {
	*BaseDriver
	serial  string
	state   *virtualState
	traffic time.Duration

	mu     sync.Mutex
	ram    BaudTable
	online bool
}

func NewVirtual(cfg *Config, desc Descriptor) (Driver, error) {
	return &Virtual{
		BaseDriver: NewBaseDriver(VirtualDriverName, cfg),
		serial:     desc.Serial,
		state:      virtualStateFor(desc.Serial, cfg),
		traffic:    cfg.extraDuration("virtual.traffic", 0),
	}, nil
}

func (v *Virtual) Open(ctx context.Context) error {
	virtualMu.Lock()
	if v.state.failOpenLeft > 0 {
		v.state.failOpenLeft--
		virtualMu.Unlock()
		return errVirtualOpen
	}
	v.mu.Lock()
	v.ram = v.state.eeprom.Clone()
	v.mu.Unlock()
	virtualMu.Unlock()

	go v.sendManager(ctx)
	if v.traffic > 0 {
		go v.trafficManager(ctx)
	}
	return nil
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	v.online = false
	v.mu.Unlock()
	v.BaseDriver.Close()
	return nil
}

func (v *Virtual) SetOnline(_ context.Context, online bool) error {
	if v.closed() {
		return ErrDeviceClosed
	}
	v.mu.Lock()
	v.online = online
	v.mu.Unlock()
	if online {
		v.Debug("online")
	} else {
		v.Debug("offline")
	}
	return nil
}

func (v *Virtual) isOnline() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.online
}

func (v *Virtual) ReadSettings(context.Context) (BaudTable, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ram == nil {
		return nil, ErrDeviceNotOpen
	}
	return v.ram.Clone(), nil
}

func (v *Virtual) WriteSettings(_ context.Context, table BaudTable, p Persistence) error {
	for net, nb := range table {
		if !containsNet(virtualCapabilities.RXNetworks, net) {
			return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, net)
		}
		if !validRate(CANBaudrates, nb.Baudrate) {
			return fmt.Errorf("%w: %d for %s", ErrInvalidBaudrate, nb.Baudrate, net)
		}
		if containsNet(virtualCapabilities.FDNetworks, net) && !validRate(FDBaudrates, nb.FDBaudrate) {
			return fmt.Errorf("%w: %d for %s FD", ErrInvalidBaudrate, nb.FDBaudrate, net)
		}
	}
	v.mu.Lock()
	v.ram = table.Clone()
	v.mu.Unlock()
	if p == Permanent {
		virtualMu.Lock()
		v.state.eeprom = table.Clone()
		virtualMu.Unlock()
	}
	v.Debug("settings written, " + p.String())
	return nil
}

func (v *Virtual) LoadDefaults(context.Context) error {
	defaults := DefaultBaudTable(virtualCapabilities)
	v.mu.Lock()
	v.ram = defaults.Clone()
	v.mu.Unlock()
	virtualMu.Lock()
	v.state.eeprom = defaults
	virtualMu.Unlock()
	return nil
}

// Inject feeds msg to the receive side as if it came from the bus.
func (v *Virtual) Inject(msg Message) error {
	if !v.isOnline() {
		return ErrDeviceOffline
	}
	msg = cloneMessage(msg)
	stamp(msg)
	if !v.deliver(msg) {
		return ErrDroppedFrame
	}
	return nil
}

func stamp(msg Message) {
	switch m := msg.(type) {
	case *CANMessage:
		if m.Time == 0 {
			m.Time = now()
		}
	case *EthernetMessage:
		if m.Time == 0 {
			m.Time = now()
		}
	case *RawMessage:
		if m.Time == 0 {
			m.Time = now()
		}
	}
}

func (v *Virtual) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.closeChan:
			return
		case msg := <-v.sendChan:
			if !v.isOnline() {
				v.Warn("message transmitted while offline was discarded")
				continue
			}
			echo := cloneMessage(msg)
			switch m := echo.(type) {
			case *CANMessage:
				m.Transmitted = true
				m.Time = now()
			case *EthernetMessage:
				m.Transmitted = true
				m.Time = now()
			}
			v.deliver(echo)
		}
	}
}

var (
	virtualSrcMAC = net.HardwareAddr{0x00, 0xFC, 0x70, 0xFF, 0x00, 0x01}
	broadcastMAC  = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

func (v *Virtual) trafficManager(ctx context.Context) {
	t := time.NewTicker(v.traffic)
	defer t.Stop()
	var counter uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.closeChan:
			return
		case <-t.C:
			if !v.isOnline() {
				continue
			}
			counter++
			data := make([]byte, 8)
			binary.BigEndian.PutUint32(data[4:], counter)
			v.deliver(&CANMessage{NetID: HSCAN, ArbID: 0x100 + counter%16, Data: data, Time: now()})
			if counter%10 == 0 {
				eth := NewEthernetMessage(OPEthernet1, broadcastMAC, virtualSrcMAC, 0x88B5, data)
				eth.Time = now()
				v.deliver(eth)
			}
		}
	}
}
