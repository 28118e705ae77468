package goneo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Driver is the transport behind a Device.
type Driver interface {
	Name() string
	Open(context.Context) error
	Close() error
	SetOnline(ctx context.Context, online bool) error
	ReadSettings(context.Context) (BaudTable, error)
	WriteSettings(context.Context, BaudTable, Persistence) error
	LoadDefaults(context.Context) error
	Send() chan<- Message
	Recv() <-chan Message
	Err() <-chan error
	Event() <-chan Event
}

type Capabilities struct {
	RXNetworks         []NetID
	TXNetworks         []NetID
	FDNetworks         []NetID
	SettingsReadOnly   bool
	PersistentSettings bool
}

func (c Capabilities) String() string {
	names := func(ids []NetID) string {
		var s []string
		for _, id := range ids {
			s = append(s, id.String())
		}
		return strings.Join(s, ", ")
	}
	return fmt.Sprintf("RX: [%s], TX: [%s], FD: [%s], persistent settings: %v", names(c.RXNetworks), names(c.TXNetworks), names(c.FDNetworks), c.PersistentSettings)
}

// Descriptor describes a device found by a driver, before it is opened.
type Descriptor struct {
	Type         string
	Serial       string
	Port         string
	Capabilities Capabilities
}

type DriverInfo struct {
	Name         string
	Description  string
	Capabilities Capabilities
	Find         func(context.Context, *Config) ([]Descriptor, error)
	New          func(*Config, Descriptor) (Driver, error)
}

func (d *DriverInfo) String() string {
	return fmt.Sprintf("%s | %s", d.Name, d.Description)
}

var (
	driverMu  sync.RWMutex
	driverMap = make(map[string]*DriverInfo)
)

func RegisterDriver(info *DriverInfo) error {
	if info == nil || info.New == nil || info.Find == nil {
		return ErrNilDriver
	}
	driverMu.Lock()
	defer driverMu.Unlock()
	if _, found := driverMap[info.Name]; found {
		return fmt.Errorf("driver %s already registered", info.Name)
	}
	driverMap[info.Name] = info
	return nil
}

func lookupDriver(name string) (*DriverInfo, error) {
	driverMu.RLock()
	defer driverMu.RUnlock()
	for n, info := range driverMap {
		if strings.EqualFold(n, name) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
}

func ListDriverNames() []string {
	driverMu.RLock()
	var out []string
	for name := range driverMap {
		out = append(out, name)
	}
	driverMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListDrivers() []DriverInfo {
	var out []DriverInfo
	for _, name := range ListDriverNames() {
		if info, err := lookupDriver(name); err == nil {
			out = append(out, *info)
		}
	}
	return out
}

// SupportedDevices lists the device types that can be discovered.
func SupportedDevices() []string {
	return ListDriverNames()
}

// FindAllDevices asks every registered driver for devices. Drivers that fail
// to enumerate are reported to the event log and skipped.
func FindAllDevices(ctx context.Context, cfg *Config) ([]*Device, error) {
	return FindDevices(ctx, cfg, ListDriverNames()...)
}

// FindDevices enumerates devices using the named drivers only.
func FindDevices(ctx context.Context, cfg *Config, drivers ...string) ([]*Device, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.setDefaults()

	infos := make([]*DriverInfo, 0, len(drivers))
	for _, name := range drivers {
		info, err := lookupDriver(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	results := make([][]Descriptor, len(infos))
	errg, gctx := errgroup.WithContext(ctx)
	for i, info := range infos {
		i, info := i, info
		errg.Go(func() error {
			found, err := info.Find(gctx, cfg)
			if err != nil {
				ReportEvent(Event{Type: EventTypeWarning, Details: fmt.Sprintf("%s: device discovery failed: %v", info.Name, err)})
				return nil
			}
			results[i] = found
			return nil
		})
	}
	if err := errg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devices []*Device
	for i, found := range results {
		for _, desc := range found {
			devices = append(devices, newDevice(infos[i], desc, cfg.clone()))
		}
	}
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].desc.Type != devices[j].desc.Type {
			return devices[i].desc.Type < devices[j].desc.Type
		}
		return devices[i].desc.Serial < devices[j].desc.Serial
	})
	for i, d := range devices {
		d.handle = i
	}
	return devices, nil
}
