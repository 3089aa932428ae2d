// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol codes carried by decoded packet records.
const (
	ProtocolRTCP byte = 1
	ProtocolRTP  byte = 2
	ProtocolSIP  byte = 3
	ProtocolICMP byte = 4
	ProtocolRTPR byte = 5
	ProtocolSMPP byte = 6
)

// Address is one endpoint of a captured flow. Host is the reverse-resolved
// or operator-assigned name of the capture point, empty when unknown.
type Address struct {
	IP   netip.Addr
	Port int
	Host string
}

// NewAddress builds an Address from a textual IP. Invalid input yields the
// zero Addr, callers check IsValid when it matters.
func NewAddress(ip string, port int) Address {
	a, _ := netip.ParseAddr(ip)
	return Address{IP: a, Port: port}
}

// String renders ip:port, the form used in log lines and session keys.
func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Packet is a decoded capture record as delivered by the capture front-end.
// Payload holds the application layer bytes untouched, Attributes carries
// annotations accumulated along the pipeline.
type Packet struct {
	Timestamp  time.Time
	SrcAddr    Address
	DstAddr    Address
	Protocol   byte
	Payload    []byte
	Attributes map[string]any
}

// PutAttribute annotates the packet, allocating the map on first use.
func (p *Packet) PutAttribute(key string, value any) {
	if p.Attributes == nil {
		p.Attributes = make(map[string]any)
	}
	p.Attributes[key] = value
}

// Attribute returns the annotation for key, nil when absent.
func (p *Packet) Attribute(key string) any {
	if p.Attributes == nil {
		return nil
	}
	return p.Attributes[key]
}

// StringAttribute returns the annotation for key when it is a string.
func (p *Packet) StringAttribute(key string) string {
	if s, ok := p.Attribute(key).(string); ok {
		return s
	}
	return ""
}
