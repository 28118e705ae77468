package goneo

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Epoch is the reference point for message timestamps, 1/1/2007 UTC.
var Epoch = time.Date(2007, time.January, 1, 0, 0, 0, 0, time.UTC)

// TimestampToTime converts nanoseconds since Epoch to a time.Time.
func TimestampToTime(ts uint64) time.Time {
	return Epoch.Add(time.Duration(ts))
}

// TimeToTimestamp converts t to nanoseconds since Epoch, times before Epoch yield 0.
func TimeToTimestamp(t time.Time) uint64 {
	if t.Before(Epoch) {
		return 0
	}
	return uint64(t.Sub(Epoch))
}

func now() uint64 {
	return TimeToTimestamp(time.Now())
}

// Message is implemented by CANMessage, EthernetMessage and RawMessage.
type Message interface {
	Network() NetID
	Timestamp() uint64
	Payload() []byte
	String() string
}

const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

type CANMessage struct {
	NetID       NetID
	ArbID       uint32
	Data        []byte
	Extended    bool
	RTR         bool
	FD          bool
	BRS         bool
	Transmitted bool
	Time        uint64
}

// NewCANMessage creates a classic CAN message and copies the data slice.
func NewCANMessage(network NetID, arbID uint32, data []byte) *CANMessage {
	d := make([]byte, len(data))
	copy(d, data)
	return &CANMessage{
		NetID: network,
		ArbID: arbID,
		Data:  d,
	}
}

func (m *CANMessage) Network() NetID    { return m.NetID }
func (m *CANMessage) Timestamp() uint64 { return m.Time }
func (m *CANMessage) Payload() []byte   { return m.Data }

// DLC returns the data length code for the payload.
func (m *CANMessage) DLC() uint8 {
	dlc, _ := LenToDLC(len(m.Data))
	return dlc
}

// Validate checks identifier range, data length and flag combinations.
func (m *CANMessage) Validate() error {
	if m.NetID.Type() != NetworkTypeCAN {
		return fmt.Errorf("%w: %s is not a CAN network", ErrInvalidMessage, m.NetID)
	}
	if m.Extended {
		if m.ArbID > MaxExtendedID {
			return fmt.Errorf("%w: extended id 0x%X out of range", ErrInvalidMessage, m.ArbID)
		}
	} else if m.ArbID > MaxStandardID {
		return fmt.Errorf("%w: standard id 0x%X out of range", ErrInvalidMessage, m.ArbID)
	}
	if m.BRS && !m.FD {
		return fmt.Errorf("%w: bit rate switch requires CAN FD", ErrInvalidMessage)
	}
	if m.FD {
		if m.RTR {
			return fmt.Errorf("%w: remote frames are not allowed on CAN FD", ErrInvalidMessage)
		}
		if _, err := LenToDLC(len(m.Data)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return nil
	}
	if len(m.Data) > 8 {
		return fmt.Errorf("%w: %d bytes exceeds classic CAN payload", ErrInvalidMessage, len(m.Data))
	}
	return nil
}

func (m *CANMessage) header() string {
	var out strings.Builder
	out.WriteString("CAN ")
	if m.FD {
		out.WriteString("FD ")
		if !m.BRS {
			out.WriteString("(No BRS) ")
		}
	}
	if m.Extended {
		fmt.Fprintf(&out, "0x%08x", m.ArbID)
	} else {
		fmt.Fprintf(&out, "0x%03x", m.ArbID)
	}
	return out.String()
}

func (m *CANMessage) String() string {
	return fmt.Sprintf("%s [%d] %s (%d ns since 1/1/2007)", m.header(), len(m.Data), hexBytes(m.Data), m.Time)
}

var (
	blue  = color.New(color.FgHiBlue).SprintfFunc()
	red   = color.New(color.FgRed).SprintfFunc()
	green = color.New(color.FgGreen).SprintfFunc()
)

func (m *CANMessage) ColorString() string {
	dir := "<i>"
	if m.Transmitted {
		dir = "<o>"
	}
	return fmt.Sprintf("%s %s %s [%d] %s || %s", dir, m.NetID, green(m.header()), len(m.Data), red(hexBytes(m.Data)), blue(onlyPrintable(m.Data)))
}

const (
	ethernetHeaderLen = 14
	ethernetMinFrame  = 60
)

type EthernetMessage struct {
	NetID       NetID
	Data        []byte
	NoPadding   bool
	Transmitted bool
	Time        uint64
}

// NewEthernetMessage builds a frame from its header parts and payload.
func NewEthernetMessage(network NetID, dst, src net.HardwareAddr, etherType uint16, payload []byte) *EthernetMessage {
	d := make([]byte, ethernetHeaderLen, ethernetHeaderLen+len(payload))
	copy(d[0:6], dst)
	copy(d[6:12], src)
	binary.BigEndian.PutUint16(d[12:14], etherType)
	d = append(d, payload...)
	return &EthernetMessage{NetID: network, Data: d}
}

func (m *EthernetMessage) Network() NetID    { return m.NetID }
func (m *EthernetMessage) Timestamp() uint64 { return m.Time }
func (m *EthernetMessage) Payload() []byte   { return m.Data }

func (m *EthernetMessage) DestinationMAC() net.HardwareAddr {
	if len(m.Data) < 6 {
		return nil
	}
	return net.HardwareAddr(m.Data[0:6])
}

func (m *EthernetMessage) SourceMAC() net.HardwareAddr {
	if len(m.Data) < 12 {
		return nil
	}
	return net.HardwareAddr(m.Data[6:12])
}

func (m *EthernetMessage) EtherType() uint16 {
	if len(m.Data) < ethernetHeaderLen {
		return 0
	}
	return binary.BigEndian.Uint16(m.Data[12:14])
}

func (m *EthernetMessage) Validate() error {
	if m.NetID.Type() != NetworkTypeEthernet {
		return fmt.Errorf("%w: %s is not an Ethernet network", ErrInvalidMessage, m.NetID)
	}
	if len(m.Data) < ethernetHeaderLen {
		return fmt.Errorf("%w: ethernet frame of %d bytes is shorter than its header", ErrInvalidMessage, len(m.Data))
	}
	return nil
}

// padded returns the frame data zero padded to the minimum frame size unless NoPadding is set.
func (m *EthernetMessage) padded() []byte {
	if m.NoPadding || len(m.Data) >= ethernetMinFrame {
		return m.Data
	}
	out := make([]byte, ethernetMinFrame)
	copy(out, m.Data)
	return out
}

func (m *EthernetMessage) String() string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s Frame - %d bytes on wire\n", m.NetID, len(m.Data))
	fmt.Fprintf(&out, "  Timestamped:\t%d ns since 1/1/2007\n", m.Time)
	fmt.Fprintf(&out, "  Source:\t%s\n", m.SourceMAC())
	fmt.Fprintf(&out, "  Destination:\t%s", m.DestinationMAC())
	for i, b := range m.Data {
		if i%8 == 0 {
			fmt.Fprintf(&out, "\n  %04x\t", i)
		}
		fmt.Fprintf(&out, "%02x ", b)
	}
	return out.String()
}

// RawMessage carries traffic from networks this package does not decode.
type RawMessage struct {
	NetID NetID
	Data  []byte
	Time  uint64
}

func (m *RawMessage) Network() NetID    { return m.NetID }
func (m *RawMessage) Timestamp() uint64 { return m.Time }
func (m *RawMessage) Payload() []byte   { return m.Data }

func (m *RawMessage) String() string {
	return fmt.Sprintf("%s [%d] %s", m.NetID, len(m.Data), hexBytes(m.Data))
}

var fdLengths = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen maps a CAN FD data length code to a byte count.
func DLCToLen(dlc uint8) int {
	if dlc > 15 {
		return 64
	}
	return fdLengths[dlc]
}

// LenToDLC maps a byte count to a CAN FD data length code, lengths that have no exact code are rejected.
func LenToDLC(n int) (uint8, error) {
	for dlc, l := range fdLengths {
		if l == n {
			return uint8(dlc), nil
		}
	}
	return 0, fmt.Errorf("invalid CAN FD data length %d", n)
}

func hexBytes(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		if i > 0 {
			out.WriteByte(' ')
		}
		fmt.Fprintf(&out, "%02x", b)
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}

func cloneMessage(msg Message) Message {
	switch m := msg.(type) {
	case *CANMessage:
		c := *m
		c.Data = append([]byte(nil), m.Data...)
		return &c
	case *EthernetMessage:
		c := *m
		c.Data = append([]byte(nil), m.Data...)
		return &c
	case *RawMessage:
		c := *m
		c.Data = append([]byte(nil), m.Data...)
		return &c
	}
	return msg
}
