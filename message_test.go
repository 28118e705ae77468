package goneo

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCANMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     CANMessage
		wantErr bool
	}{
		{name: "classic", msg: CANMessage{NetID: HSCAN, ArbID: 0x7DF, Data: make([]byte, 8)}},
		{name: "classic too long", msg: CANMessage{NetID: HSCAN, ArbID: 0x7DF, Data: make([]byte, 9)}, wantErr: true},
		{name: "standard id out of range", msg: CANMessage{NetID: HSCAN, ArbID: 0x800}, wantErr: true},
		{name: "extended", msg: CANMessage{NetID: HSCAN, ArbID: 0x1C5001C5, Extended: true, Data: []byte{1}}},
		{name: "extended id out of range", msg: CANMessage{NetID: HSCAN, ArbID: 0x20000000, Extended: true}, wantErr: true},
		{name: "fd 64", msg: CANMessage{NetID: HSCAN, ArbID: 0x123, FD: true, BRS: true, Data: make([]byte, 64)}},
		{name: "fd odd length", msg: CANMessage{NetID: HSCAN, ArbID: 0x123, FD: true, Data: make([]byte, 13)}, wantErr: true},
		{name: "brs without fd", msg: CANMessage{NetID: HSCAN, ArbID: 0x123, BRS: true}, wantErr: true},
		{name: "fd remote", msg: CANMessage{NetID: HSCAN, ArbID: 0x123, FD: true, RTR: true}, wantErr: true},
		{name: "not a can network", msg: CANMessage{NetID: OPEthernet1, ArbID: 0x123}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLenToDLC(t *testing.T) {
	for dlc := uint8(0); dlc < 16; dlc++ {
		got, err := LenToDLC(DLCToLen(dlc))
		require.NoError(t, err)
		assert.Equal(t, dlc, got)
	}
	_, err := LenToDLC(9)
	assert.Error(t, err)
	assert.Equal(t, 64, DLCToLen(20))
}

func TestCANMessage_String(t *testing.T) {
	m := &CANMessage{NetID: HSCAN, ArbID: 0x1C5001C5, Extended: true, FD: true, Data: []byte{0xaa, 0xbb, 0xcc}, Time: 42}
	assert.Equal(t, "CAN FD (No BRS) 0x1c5001c5 [3] aa bb cc (42 ns since 1/1/2007)", m.String())

	m = &CANMessage{NetID: HSCAN, ArbID: 0x7e8, Data: []byte{0x02, 0x10}}
	assert.Equal(t, "CAN 0x7e8 [2] 02 10 (0 ns since 1/1/2007)", m.String())
}

func TestNewCANMessage_CopiesData(t *testing.T) {
	data := []byte{1, 2, 3}
	m := NewCANMessage(HSCAN, 0x100, data)
	data[0] = 0xff
	assert.Equal(t, byte(1), m.Data[0])
	assert.Equal(t, uint8(3), m.DLC())
}

func TestEthernetMessage(t *testing.T) {
	dst := net.HardwareAddr{0x00, 0xFC, 0x70, 0x00, 0x01, 0x02}
	src := net.HardwareAddr{0x00, 0xFC, 0x70, 0x00, 0x01, 0x01}
	m := NewEthernetMessage(OPEthernet2, dst, src, 0x0800, []byte{0x01, 0xC5, 0x01, 0xC5})

	require.NoError(t, m.Validate())
	assert.Equal(t, dst, m.DestinationMAC())
	assert.Equal(t, src, m.SourceMAC())
	assert.Equal(t, uint16(0x0800), m.EtherType())
	assert.Len(t, m.Data, 18)

	padded := m.padded()
	assert.Len(t, padded, 60)
	assert.Equal(t, m.Data, padded[:18])

	m.NoPadding = true
	assert.Len(t, m.padded(), 18)

	short := &EthernetMessage{NetID: OPEthernet1, Data: []byte{1, 2, 3}}
	assert.ErrorIs(t, short.Validate(), ErrInvalidMessage)
	assert.Nil(t, short.SourceMAC())
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2020, time.March, 1, 12, 0, 0, 500, time.UTC)
	assert.True(t, ts.Equal(TimestampToTime(TimeToTimestamp(ts))))
	assert.Equal(t, uint64(0), TimeToTimestamp(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, uint64(0), TimeToTimestamp(Epoch))
}

func TestCloneMessage(t *testing.T) {
	m := &CANMessage{NetID: HSCAN, ArbID: 1, Data: []byte{1}}
	c := cloneMessage(m).(*CANMessage)
	c.Data[0] = 2
	c.ArbID = 2
	assert.Equal(t, byte(1), m.Data[0])
	assert.Equal(t, uint32(1), m.ArbID)
}
