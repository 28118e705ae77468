package goneo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/albenik/bcd"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const SLCANDriverName = "SLCAN"

func init() {
	if err := RegisterDriver(&DriverInfo{
		Name:         SLCANDriverName,
		Description:  "Serial line CAN adapters (CANable, CANtact, Lawicel compatible)",
		Capabilities: slcanCapabilities(true),
		Find:         findSLCAN,
		New:          NewSLCAN,
	}); err != nil {
		panic(err)
	}
}

func slcanCapabilities(fd bool) Capabilities {
	c := Capabilities{
		RXNetworks: []NetID{HSCAN},
		TXNetworks: []NetID{HSCAN},
	}
	if fd {
		c.FDNetworks = []NetID{HSCAN}
	}
	return c
}

// known USB VID:PID pairs of SLCAN firmware
var slcanUSBIDs = map[string]string{
	"16D0:117E": "CANable",
	"AD50:60C4": "CANtact",
	"0403:FFA8": "Lawicel CANUSB",
}

func findSLCAN(_ context.Context, cfg *Config) ([]Descriptor, error) {
	fd := cfg.extraString("slcan.fd", "false") == "true"
	if cfg.Port != "" && cfg.Port != "*" {
		return []Descriptor{{
			Type:         SLCANDriverName,
			Serial:       cfg.Port,
			Port:         cfg.Port,
			Capabilities: slcanCapabilities(fd),
		}}, nil
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		name, ok := slcanUSBIDs[strings.ToUpper(port.VID+":"+port.PID)]
		if !ok {
			continue
		}
		serialNo := port.SerialNumber
		if serialNo == "" {
			serialNo = port.Name
		}
		out = append(out, Descriptor{
			Type:         SLCANDriverName + " " + name,
			Serial:       serialNo,
			Port:         port.Name,
			Capabilities: slcanCapabilities(fd),
		})
	}
	return out, nil
}

// slcanPort is the part of serial.Port the driver needs.
type slcanPort interface {
	io.ReadWriteCloser
}

var openSLCANPort = func(name string, baudrate int) (slcanPort, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q : %v", name, err)
	}
	if err := p.SetReadTimeout(3 * time.Millisecond); err != nil {
		p.Close()
		return nil, err
	}
	p.ResetOutputBuffer()
	p.ResetInputBuffer()
	return p, nil
}

var slcanBitrates = map[int64]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

var slcanDataBitrates = map[int64]string{
	2000000: "Y2",
	4000000: "Y4",
	5000000: "Y5",
	8000000: "Y8",
}

type SLCAN struct {
	*BaseDriver
	desc Descriptor
	port slcanPort

	wmu sync.Mutex

	mu      sync.Mutex
	table   BaudTable
	online  bool
	version chan string
}

func NewSLCAN(cfg *Config, desc Descriptor) (Driver, error) {
	if desc.Port == "" {
		return nil, Unrecoverable(errors.New("no serial port given"))
	}
	return &SLCAN{
		BaseDriver: NewBaseDriver(SLCANDriverName, cfg),
		desc:       desc,
		table:      DefaultBaudTable(desc.Capabilities),
		version:    make(chan string, 1),
	}, nil
}

func (sl *SLCAN) Open(ctx context.Context) error {
	p, err := openSLCANPort(sl.desc.Port, sl.cfg.PortBaudrate)
	if err != nil {
		return err
	}
	sl.port = p

	go sl.recvManager(ctx)
	go sl.sendManager(ctx)

	// close any channel left open by a previous session
	if err := sl.command("C"); err != nil {
		return err
	}
	if err := sl.command("V"); err != nil {
		return err
	}
	select {
	case v := <-sl.version:
		sl.Info("firmware " + v)
	case <-time.After(250 * time.Millisecond):
		sl.Warn("adapter did not report a firmware version")
	case <-ctx.Done():
		return ctx.Err()
	}
	if d := sl.cfg.extraDuration("slcan.status_interval", 0); d > 0 {
		go sl.statusManager(ctx, d)
	}
	return nil
}

func (sl *SLCAN) Close() error {
	sl.BaseDriver.Close()
	if sl.port == nil {
		return nil
	}
	sl.mu.Lock()
	wasOnline := sl.online
	sl.online = false
	sl.mu.Unlock()
	if wasOnline {
		sl.command("C")
		time.Sleep(10 * time.Millisecond)
	}
	return sl.port.Close()
}

func (sl *SLCAN) command(cmd string) error {
	sl.wmu.Lock()
	defer sl.wmu.Unlock()
	if sl.cfg.Debug {
		sl.Debug(">> " + cmd)
	}
	if _, err := sl.port.Write([]byte(cmd + "\r")); err != nil {
		return fmt.Errorf("failed to write to com port: %w", err)
	}
	return nil
}

func (sl *SLCAN) bitrateCommands(table BaudTable) ([]string, error) {
	nb, ok := table[HSCAN]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettingsNotAvailable, HSCAN)
	}
	s, ok := slcanBitrates[nb.Baudrate]
	if !ok {
		return nil, fmt.Errorf("%w: %d not supported by SLCAN", ErrInvalidBaudrate, nb.Baudrate)
	}
	cmds := []string{s}
	if containsNet(sl.desc.Capabilities.FDNetworks, HSCAN) {
		y, ok := slcanDataBitrates[nb.FDBaudrate]
		if !ok {
			return nil, fmt.Errorf("%w: %d FD not supported by SLCAN", ErrInvalidBaudrate, nb.FDBaudrate)
		}
		cmds = append(cmds, y)
	}
	return cmds, nil
}

func (sl *SLCAN) SetOnline(_ context.Context, online bool) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !online {
		sl.online = false
		return sl.command("C")
	}
	cmds, err := sl.bitrateCommands(sl.table)
	if err != nil {
		return err
	}
	for _, c := range append(cmds, "O") {
		if err := sl.command(c); err != nil {
			return err
		}
	}
	sl.online = true
	return nil
}

func (sl *SLCAN) isOnline() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.online
}

func (sl *SLCAN) ReadSettings(context.Context) (BaudTable, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.table.Clone(), nil
}

func (sl *SLCAN) WriteSettings(_ context.Context, table BaudTable, p Persistence) error {
	if p == Permanent {
		sl.Warn("SLCAN adapters keep settings until power cycle only")
	}
	return sl.setTable(table)
}

func (sl *SLCAN) LoadDefaults(context.Context) error {
	return sl.setTable(DefaultBaudTable(sl.desc.Capabilities))
}

func (sl *SLCAN) setTable(table BaudTable) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cmds, err := sl.bitrateCommands(table)
	if err != nil {
		return err
	}
	sl.table = table.Clone()
	if !sl.online {
		return nil
	}
	// bitrate can only be changed while the channel is closed
	cmds = append([]string{"C"}, append(cmds, "O")...)
	for _, c := range cmds {
		if err := sl.command(c); err != nil {
			return err
		}
	}
	return nil
}

func (sl *SLCAN) recvManager(ctx context.Context) {
	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := sl.port.Read(readBuf)
		if err != nil {
			if !sl.closed() {
				sl.Fatal(Unrecoverable(fmt.Errorf("failed to read com port: %w", err)))
			}
			return
		}
		if n == 0 {
			continue
		}
		buf = sl.parse(buf, readBuf[:n])
	}
}

func (sl *SLCAN) sendManager(ctx context.Context) {
	var outBuf = make([]byte, 0, 256)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sl.closeChan:
			return
		case msg := <-sl.sendChan:
			m, ok := msg.(*CANMessage)
			if !ok {
				sl.Warn(fmt.Sprintf("SLCAN can not transmit %T", msg))
				continue
			}
			b, err := appendSLCAN(outBuf[:0], m)
			if err != nil {
				sl.Error(err)
				continue
			}
			sl.wmu.Lock()
			_, err = sl.port.Write(b)
			sl.wmu.Unlock()
			if err != nil {
				sl.Error(fmt.Errorf("failed to write to com port: %w", err))
				continue
			}
			if sl.cfg.Debug {
				sl.Debug(">> " + strings.TrimRight(string(b), "\r"))
			}
			outBuf = b
		}
	}
}

func (sl *SLCAN) statusManager(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sl.closeChan:
			return
		case <-t.C:
			if sl.isOnline() {
				sl.command("F")
			}
		}
	}
}

// parse processes the read data and returns any remaining partial data.
func (sl *SLCAN) parse(buf, readBuf []byte) []byte {
	for _, b := range readBuf {
		switch b {
		case '\r':
			if len(buf) > 0 {
				sl.handleLine(buf)
			}
			buf = buf[:0]
		case 0x07:
			sl.Warn("adapter rejected command")
			buf = buf[:0]
		default:
			buf = append(buf, b)
		}
	}
	return buf
}

func (sl *SLCAN) handleLine(line []byte) {
	if sl.cfg.Debug {
		sl.Debug("<< " + string(line))
	}
	switch line[0] {
	case 't', 'T', 'r', 'R', 'd', 'D', 'b', 'B':
		msg, err := decodeSLCAN(line)
		if err != nil {
			sl.Warn(fmt.Sprintf("%v: %q", err, line))
			return
		}
		if !sl.isOnline() {
			return
		}
		msg.Time = now()
		sl.deliver(msg)
	case 'V', 'v':
		v, err := decodeSLCANVersion(line)
		if err != nil {
			sl.Warn(err.Error())
			return
		}
		select {
		case sl.version <- v:
		default:
		}
	case 'F':
		if len(line) < 3 {
			return
		}
		flags, err := strconv.ParseUint(string(line[1:3]), 16, 8)
		if err != nil {
			sl.Warn("invalid status reply " + string(line))
			return
		}
		if err := slcanStatus(byte(flags)); err != nil {
			sl.Error(err)
		}
	case 'z', 'Z':
		// transmit ack
	default:
		sl.Warn("unknown reply " + string(line))
	}
}

// helper converts a 0..15 value to its ASCII hex nibble
func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

func appendHexID(buf []byte, id uint32, digits int) []byte {
	for i := digits - 1; i >= 0; i-- {
		buf = append(buf, nybbleToHex(byte(id>>(uint(i)*4))&0xF))
	}
	return buf
}

// appendSLCAN encodes m in SLCAN ASCII framing, terminated by CR.
func appendSLCAN(buf []byte, m *CANMessage) ([]byte, error) {
	var cmd byte
	switch {
	case m.FD && m.BRS:
		cmd = 'b'
	case m.FD:
		cmd = 'd'
	case m.RTR:
		cmd = 'r'
	default:
		cmd = 't'
	}
	digits := 3
	if m.Extended {
		cmd -= 'a' - 'A'
		digits = 8
	}
	buf = append(buf, cmd)
	buf = appendHexID(buf, m.ArbID, digits)

	var dlc uint8
	if m.FD {
		d, err := LenToDLC(len(m.Data))
		if err != nil {
			return buf, err
		}
		dlc = d
	} else {
		if len(m.Data) > 8 {
			return buf, fmt.Errorf("%w: %d bytes exceeds classic CAN payload", ErrInvalidMessage, len(m.Data))
		}
		dlc = uint8(len(m.Data))
	}
	buf = append(buf, nybbleToHex(dlc))
	if !m.RTR {
		for _, b := range m.Data {
			buf = append(buf, nybbleToHex(b>>4), nybbleToHex(b&0xF))
		}
	}
	return append(buf, '\r'), nil
}

// decodeSLCAN parses a received frame line without the CR. A trailing
// timestamp is ignored.
func decodeSLCAN(line []byte) (*CANMessage, error) {
	if len(line) == 0 {
		return nil, errors.New("empty frame")
	}
	m := &CANMessage{NetID: HSCAN}
	cmd := line[0]
	switch cmd {
	case 'T', 'R', 'D', 'B':
		m.Extended = true
	}
	switch cmd {
	case 'r', 'R':
		m.RTR = true
	case 'd', 'D':
		m.FD = true
	case 'b', 'B':
		m.FD = true
		m.BRS = true
	}
	digits := 3
	if m.Extended {
		digits = 8
	}
	if len(line) < 1+digits+1 {
		return nil, fmt.Errorf("frame too short")
	}
	id, err := strconv.ParseUint(string(line[1:1+digits]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identifier: %v", err)
	}
	m.ArbID = uint32(id)
	dlc, err := strconv.ParseUint(string(line[1+digits]), 16, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data length: %v", err)
	}
	dataLen := int(dlc)
	if m.FD {
		dataLen = DLCToLen(uint8(dlc))
	} else if dataLen > 8 {
		return nil, fmt.Errorf("invalid data length: %d", dataLen)
	}
	if m.RTR {
		m.Data = make([]byte, 0)
		return m, nil
	}
	start := 2 + digits
	if len(line) < start+dataLen*2 {
		return nil, fmt.Errorf("frame body too short for %d bytes", dataLen)
	}
	m.Data, err = hex.DecodeString(string(line[start : start+dataLen*2]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame body: %v", err)
	}
	return m, nil
}

// decodeSLCANVersion turns a "Vhhss" reply into a readable version, the
// hardware and software parts are BCD encoded.
func decodeSLCANVersion(line []byte) (string, error) {
	if len(line) < 5 {
		return "", fmt.Errorf("invalid version reply %q", line)
	}
	b, err := hex.DecodeString(string(line[1:5]))
	if err != nil {
		return "", fmt.Errorf("invalid version reply %q: %v", line, err)
	}
	return fmt.Sprintf("hw %d sw %d", bcd.ToUint8(b[0]), bcd.ToUint8(b[1])), nil
}

/*
Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI), see SJA1000 datasheet
Bit 3 Data Overrun (DOI), see SJA1000 datasheet
Bit 4 Not used.
Bit 5 Error Passive (EPI), see SJA1000 datasheet
Bit 6 Arbitration Lost (ALI), see SJA1000 datasheet
Bit 7 Bus Error (BEI), see SJA1000 datasheet
*/
func slcanStatus(flags byte) error {
	var errs []string
	for bit, text := range []string{
		"CAN receive FIFO queue full",
		"CAN transmit FIFO queue full",
		"error warning (EI)",
		"data overrun (DOI)",
		"",
		"error passive (EPI)",
		"arbitration lost (ALI)",
		"bus error (BEI)",
	} {
		if text != "" && flags&(1<<uint(bit)) != 0 {
			errs = append(errs, text)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.New("adapter status: " + strings.Join(errs, ", "))
}
