package goneo

import (
	"fmt"
	"strings"
)

type NetworkType int

const (
	NetworkTypeOther NetworkType = iota
	NetworkTypeCAN
	NetworkTypeLIN
	NetworkTypeEthernet
	NetworkTypeInternal
)

func (t NetworkType) String() string {
	switch t {
	case NetworkTypeCAN:
		return "CAN"
	case NetworkTypeLIN:
		return "LIN"
	case NetworkTypeEthernet:
		return "Ethernet"
	case NetworkTypeInternal:
		return "Internal"
	default:
		return "Other"
	}
}

// NetID identifies a physical network on a device.
type NetID uint16

const (
	Invalid NetID = iota
	NetDevice
	HSCAN
	MSCAN
	SWCAN
	LSFTCAN
	HSCAN2
	HSCAN3
	LIN
	Ethernet
	OPEthernet1
	OPEthernet2
)

type netIDInfo struct {
	name    string
	typ     NetworkType
	aliases []string
}

var netIDs = map[NetID]netIDInfo{
	Invalid:     {name: "Invalid", typ: NetworkTypeOther},
	NetDevice:   {name: "Neo Device", typ: NetworkTypeInternal, aliases: []string{"device"}},
	HSCAN:       {name: "HSCAN", typ: NetworkTypeCAN, aliases: []string{"hs", "can1"}},
	MSCAN:       {name: "MSCAN", typ: NetworkTypeCAN, aliases: []string{"ms"}},
	SWCAN:       {name: "SWCAN", typ: NetworkTypeCAN, aliases: []string{"sw", "gmlan"}},
	LSFTCAN:     {name: "LSFTCAN", typ: NetworkTypeCAN, aliases: []string{"lsft"}},
	HSCAN2:      {name: "HSCAN 2", typ: NetworkTypeCAN, aliases: []string{"hscan2", "can2"}},
	HSCAN3:      {name: "HSCAN 3", typ: NetworkTypeCAN, aliases: []string{"hscan3", "can3"}},
	LIN:         {name: "LIN", typ: NetworkTypeLIN},
	Ethernet:    {name: "Ethernet", typ: NetworkTypeEthernet, aliases: []string{"eth"}},
	OPEthernet1: {name: "OP (BR) Ethernet 1", typ: NetworkTypeEthernet, aliases: []string{"opeth1", "op_ethernet1"}},
	OPEthernet2: {name: "OP (BR) Ethernet 2", typ: NetworkTypeEthernet, aliases: []string{"opeth2", "op_ethernet2"}},
}

func (n NetID) String() string {
	if info, ok := netIDs[n]; ok {
		return info.name
	}
	return fmt.Sprintf("Unknown NetID %d", uint16(n))
}

// Type returns the network type the id belongs to.
func (n NetID) Type() NetworkType {
	if info, ok := netIDs[n]; ok {
		return info.typ
	}
	return NetworkTypeOther
}

// ParseNetID resolves a network by name or alias, case insensitive.
func ParseNetID(s string) (NetID, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for id, info := range netIDs {
		if id == Invalid {
			continue
		}
		if strings.ToLower(info.name) == norm {
			return id, nil
		}
		for _, alias := range info.aliases {
			if alias == norm {
				return id, nil
			}
		}
	}
	return Invalid, fmt.Errorf("unknown network %q", s)
}

func containsNet(list []NetID, n NetID) bool {
	for _, id := range list {
		if id == n {
			return true
		}
	}
	return false
}
