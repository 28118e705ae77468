package goneo

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type Persistence int

const (
	// Temporary settings last until the next apply or a power cycle.
	Temporary Persistence = iota
	// Permanent settings are also committed to non-volatile storage.
	Permanent
)

func (p Persistence) String() string {
	if p == Permanent {
		return "permanent"
	}
	return "temporary"
}

var (
	CANBaudrates = []int64{10000, 20000, 33333, 50000, 62500, 83333, 100000, 125000, 250000, 500000, 800000, 1000000}
	FDBaudrates  = []int64{2000000, 4000000, 5000000, 6667000, 8000000, 10000000}
)

const (
	DefaultBaudrate   int64 = 500000
	DefaultFDBaudrate int64 = 2000000
)

type NetworkBaud struct {
	Baudrate   int64
	FDBaudrate int64
}

type BaudTable map[NetID]NetworkBaud

func (t BaudTable) Clone() BaudTable {
	out := make(BaudTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func (t BaudTable) Equal(o BaudTable) bool {
	if len(t) != len(o) {
		return false
	}
	for k, v := range t {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Networks returns the table keys in ascending order.
func (t BaudTable) Networks() []NetID {
	out := make([]NetID, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultBaudTable returns the factory defaults for every CAN network in caps.
func DefaultBaudTable(caps Capabilities) BaudTable {
	t := make(BaudTable)
	for _, n := range caps.RXNetworks {
		if n.Type() != NetworkTypeCAN {
			continue
		}
		nb := NetworkBaud{Baudrate: DefaultBaudrate}
		if n == SWCAN {
			nb.Baudrate = 33333
		}
		if containsNet(caps.FDNetworks, n) {
			nb.FDBaudrate = DefaultFDBaudrate
		}
		t[n] = nb
	}
	return t
}

func validRate(list []int64, rate int64) bool {
	for _, r := range list {
		if r == rate {
			return true
		}
	}
	return false
}

type settingsBackend interface {
	ReadSettings(context.Context) (BaudTable, error)
	WriteSettings(context.Context, BaudTable, Persistence) error
	LoadDefaults(context.Context) error
}

// Settings holds the baudrates a device is operating on and a pending copy.
// Setters only change the pending copy, nothing reaches the device until Apply.
type Settings struct {
	mu      sync.Mutex
	backend settingsBackend
	caps    Capabilities
	active  BaudTable
	pending BaudTable
}

func (s *Settings) attach(ctx context.Context, backend settingsBackend, caps Capabilities) error {
	table, err := backend.ReadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
	s.caps = caps
	s.active = table.Clone()
	s.pending = table.Clone()
	return nil
}

func (s *Settings) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = nil
	s.active = nil
	s.pending = nil
}

func (s *Settings) check(network NetID, fd bool) error {
	if s.backend == nil {
		return ErrDeviceNotOpen
	}
	if network.Type() != NetworkTypeCAN || !containsNet(s.caps.RXNetworks, network) {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	if fd && !containsNet(s.caps.FDNetworks, network) {
		return fmt.Errorf("%w: %s", ErrFDNotSupported, network)
	}
	return nil
}

// BaudrateFor returns the baudrate the device is currently running network at.
func (s *Settings) BaudrateFor(network NetID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(network, false); err != nil {
		return 0, err
	}
	nb, ok := s.active[network]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSettingsNotAvailable, network)
	}
	return nb.Baudrate, nil
}

// FDBaudrateFor returns the CAN FD data phase baudrate the device is currently running network at.
func (s *Settings) FDBaudrateFor(network NetID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(network, true); err != nil {
		return 0, err
	}
	nb, ok := s.active[network]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSettingsNotAvailable, network)
	}
	return nb.FDBaudrate, nil
}

func (s *Settings) SetBaudrateFor(network NetID, baudrate int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(network, false); err != nil {
		return err
	}
	if !validRate(CANBaudrates, baudrate) {
		return fmt.Errorf("%w: %d for %s", ErrInvalidBaudrate, baudrate, network)
	}
	nb := s.pending[network]
	nb.Baudrate = baudrate
	s.pending[network] = nb
	return nil
}

func (s *Settings) SetFDBaudrateFor(network NetID, baudrate int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(network, true); err != nil {
		return err
	}
	if !validRate(FDBaudrates, baudrate) {
		return fmt.Errorf("%w: %d for %s FD", ErrInvalidBaudrate, baudrate, network)
	}
	nb := s.pending[network]
	nb.FDBaudrate = baudrate
	s.pending[network] = nb
	return nil
}

// Pending returns a copy of the staged settings.
func (s *Settings) Pending() BaudTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Clone()
}

// Dirty reports whether there are staged changes not yet applied.
func (s *Settings) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending.Equal(s.active)
}

// Apply sends the pending settings to the device. With temporary set the
// device keeps them until the next apply or a power cycle, otherwise they
// are committed to non-volatile storage as well.
func (s *Settings) Apply(ctx context.Context, temporary bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ErrDeviceNotOpen
	}
	if s.caps.SettingsReadOnly {
		return ErrSettingsReadOnly
	}
	p := Permanent
	if temporary {
		p = Temporary
	}
	if err := s.backend.WriteSettings(ctx, s.pending.Clone(), p); err != nil {
		return fmt.Errorf("failed to apply %s settings: %w", p, err)
	}
	return s.refreshLocked(ctx)
}

// ApplyDefaults makes the device load its default settings, this writes to the device.
func (s *Settings) ApplyDefaults(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ErrDeviceNotOpen
	}
	if s.caps.SettingsReadOnly {
		return ErrSettingsReadOnly
	}
	if err := s.backend.LoadDefaults(ctx); err != nil {
		return fmt.Errorf("failed to apply default settings: %w", err)
	}
	return s.refreshLocked(ctx)
}

// Refresh re-reads the settings from the device discarding pending changes.
func (s *Settings) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ErrDeviceNotOpen
	}
	return s.refreshLocked(ctx)
}

func (s *Settings) refreshLocked(ctx context.Context) error {
	table, err := s.backend.ReadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	s.active = table.Clone()
	s.pending = table.Clone()
	return nil
}
