package goneo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	table  BaudTable
	writes []Persistence
	err    error
}

func (f *fakeBackend) ReadSettings(context.Context) (BaudTable, error) {
	return f.table.Clone(), nil
}

func (f *fakeBackend) WriteSettings(_ context.Context, t BaudTable, p Persistence) error {
	if f.err != nil {
		return f.err
	}
	f.table = t.Clone()
	f.writes = append(f.writes, p)
	return nil
}

func (f *fakeBackend) LoadDefaults(context.Context) error {
	f.table = DefaultBaudTable(virtualCapabilities)
	return nil
}

func attachedSettings(t *testing.T, caps Capabilities) (*Settings, *fakeBackend) {
	t.Helper()
	be := &fakeBackend{table: DefaultBaudTable(caps)}
	s := &Settings{}
	require.NoError(t, s.attach(context.Background(), be, caps))
	return s, be
}

func TestDefaultBaudTable(t *testing.T) {
	table := DefaultBaudTable(virtualCapabilities)
	assert.Equal(t, []NetID{HSCAN, MSCAN, SWCAN, HSCAN2}, table.Networks())
	assert.Equal(t, NetworkBaud{Baudrate: 500000, FDBaudrate: 2000000}, table[HSCAN])
	assert.Equal(t, NetworkBaud{Baudrate: 500000}, table[MSCAN])
	assert.Equal(t, int64(33333), table[SWCAN].Baudrate)
}

func TestSettings_NotOpen(t *testing.T) {
	var s Settings
	_, err := s.BaudrateFor(HSCAN)
	assert.ErrorIs(t, err, ErrDeviceNotOpen)
	assert.ErrorIs(t, s.SetBaudrateFor(HSCAN, 250000), ErrDeviceNotOpen)
	assert.ErrorIs(t, s.Apply(context.Background(), true), ErrDeviceNotOpen)
	assert.ErrorIs(t, s.ApplyDefaults(context.Background()), ErrDeviceNotOpen)
}

func TestSettings_PendingUntilApply(t *testing.T) {
	ctx := context.Background()
	s, be := attachedSettings(t, virtualCapabilities)

	require.NoError(t, s.SetBaudrateFor(HSCAN, 250000))
	require.NoError(t, s.SetFDBaudrateFor(HSCAN, 5000000))
	assert.True(t, s.Dirty())

	rate, err := s.BaudrateFor(HSCAN)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), rate, "setters must not change the active value")
	assert.Equal(t, int64(250000), s.Pending()[HSCAN].Baudrate)

	require.NoError(t, s.Apply(ctx, true))
	assert.False(t, s.Dirty())
	assert.Equal(t, []Persistence{Temporary}, be.writes)

	rate, err = s.BaudrateFor(HSCAN)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), rate)
	fd, err := s.FDBaudrateFor(HSCAN)
	require.NoError(t, err)
	assert.Equal(t, int64(5000000), fd)

	require.NoError(t, s.Apply(ctx, false))
	assert.Equal(t, []Persistence{Temporary, Permanent}, be.writes)

	require.NoError(t, s.ApplyDefaults(ctx))
	rate, _ = s.BaudrateFor(HSCAN)
	assert.Equal(t, DefaultBaudrate, rate)
}

func TestSettings_Validation(t *testing.T) {
	s, _ := attachedSettings(t, virtualCapabilities)

	assert.ErrorIs(t, s.SetBaudrateFor(HSCAN, 123456), ErrInvalidBaudrate)
	assert.ErrorIs(t, s.SetFDBaudrateFor(HSCAN, 500000), ErrInvalidBaudrate)
	assert.ErrorIs(t, s.SetFDBaudrateFor(MSCAN, 2000000), ErrFDNotSupported)
	assert.ErrorIs(t, s.SetBaudrateFor(HSCAN3, 500000), ErrUnsupportedNetwork)
	assert.ErrorIs(t, s.SetBaudrateFor(OPEthernet1, 500000), ErrUnsupportedNetwork)
	_, err := s.FDBaudrateFor(SWCAN)
	assert.ErrorIs(t, err, ErrFDNotSupported)
	assert.False(t, s.Dirty())
}

func TestSettings_ApplyFailureKeepsPending(t *testing.T) {
	s, be := attachedSettings(t, virtualCapabilities)
	be.err = errors.New("bus busy")

	require.NoError(t, s.SetBaudrateFor(MSCAN, 125000))
	err := s.Apply(context.Background(), true)
	assert.ErrorIs(t, err, be.err)
	assert.True(t, s.Dirty())

	require.NoError(t, s.Refresh(context.Background()))
	assert.False(t, s.Dirty())
}

func TestSettings_ReadOnly(t *testing.T) {
	caps := virtualCapabilities
	caps.SettingsReadOnly = true
	s, _ := attachedSettings(t, caps)
	require.NoError(t, s.SetBaudrateFor(HSCAN, 250000))
	assert.ErrorIs(t, s.Apply(context.Background(), true), ErrSettingsReadOnly)
	assert.ErrorIs(t, s.ApplyDefaults(context.Background()), ErrSettingsReadOnly)
}
