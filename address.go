package courier

// Address is a tagged variant over the ways a peer can be named:
//
//   - IPv4: a concrete (ip, port) endpoint.
//   - Group: a named set of replica endpoints with a leader hint.
//   - URI: a logical service name resolved per call through a Resolver.
//   - Invalid: the zero value.
//
// Addresses are small values and are copied freely; the Group and URI
// variants share their handle, so leader updates made through one copy are
// visible through all copies.

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
)

// MaxClientPort separates pure-client ephemeral ports from server ports.
// A node whose from-address port is at or below this bound cannot accept
// inbound connections and can only receive responses over the session it
// opened.
const MaxClientPort = 1023

type HostType uint8

const (
	HostTypeInvalid HostType = iota
	HostTypeIPv4
	HostTypeGroup
	HostTypeURI
)

func (t HostType) String() string {
	switch t {
	case HostTypeIPv4:
		return "ipv4"
	case HostTypeGroup:
		return "group"
	case HostTypeURI:
		return "uri"
	default:
		return "invalid"
	}
}

type Address struct {
	kind  HostType
	ip    uint32
	port  uint16
	group *GroupAddress
	uri   *URIAddress
}

// NewIPv4Address builds an IPv4 address from a dotted-quad or resolvable
// host name and a port.
func NewIPv4Address(host string, port int) (Address, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Address{}, errors.Wrapf(err, "resolve host %q", host)
		}
		ip = ips[0]
	}
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, errors.Newf("host %q is not IPv4", host)
	}
	return ipv4Address(binary.BigEndian.Uint32(v4), uint16(port)), nil
}

// MustIPv4 is NewIPv4Address for addresses known good at compile time
// (tests, fixtures). Panics on failure.
func MustIPv4(host string, port int) Address {
	a, err := NewIPv4Address(host, port)
	if err != nil {
		panic(err)
	}
	return a
}

func ipv4Address(ip uint32, port uint16) Address {
	return Address{kind: HostTypeIPv4, ip: ip, port: port}
}

// NewGroupAddress wraps a group handle as an Address.
func NewGroupAddress(g *GroupAddress) Address {
	return Address{kind: HostTypeGroup, group: g}
}

// NewURIAddress wraps a URI handle as an Address.
func NewURIAddress(u *URIAddress) Address {
	return Address{kind: HostTypeURI, uri: u}
}

func (a Address) Type() HostType { return a.kind }
func (a Address) IsInvalid() bool {
	return a.kind == HostTypeInvalid
}

// Port returns the port for IPv4 addresses and 0 otherwise.
func (a Address) Port() int {
	if a.kind != HostTypeIPv4 {
		return 0
	}
	return int(a.port)
}

// WithPort returns a copy of an IPv4 address with the port replaced.
func (a Address) WithPort(port int) Address {
	a.port = uint16(port)
	return a
}

// Group returns the group handle, or nil for non-group addresses.
func (a Address) Group() *GroupAddress { return a.group }

// URI returns the URI handle, or nil for non-URI addresses.
func (a Address) URI() *URIAddress { return a.uri }

func (a Address) String() string {
	switch a.kind {
	case HostTypeIPv4:
		return fmt.Sprintf("%d.%d.%d.%d:%d",
			byte(a.ip>>24), byte(a.ip>>16), byte(a.ip>>8), byte(a.ip), a.port)
	case HostTypeGroup:
		return "group:" + a.group.Name()
	case HostTypeURI:
		return "uri:" + a.uri.URI()
	default:
		return "invalid"
	}
}

// Equal reports address identity. Group and URI addresses compare by
// handle, IPv4 by (ip, port).
func (a Address) Equal(b Address) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case HostTypeIPv4:
		return a.ip == b.ip && a.port == b.port
	case HostTypeGroup:
		return a.group == b.group
	case HostTypeURI:
		return a.uri == b.uri
	default:
		return true
	}
}

// addressWireSize is the encoded size of an IPv4 address: 4-byte ip +
// 2-byte port, both big-endian. This is the payload format of a
// FORWARD_TO_OTHERS response body.
const addressWireSize = 6

// encodeAddress appends the wire form of an IPv4 address to dst.
func encodeAddress(dst []byte, a Address) []byte {
	var buf [addressWireSize]byte
	binary.BigEndian.PutUint32(buf[:4], a.ip)
	binary.BigEndian.PutUint16(buf[4:], a.port)
	return append(dst, buf[:]...)
}

// decodeAddress parses the wire form produced by encodeAddress.
func decodeAddress(b []byte) (Address, error) {
	if len(b) < addressWireSize {
		return Address{}, errors.Newf("address payload too short: %d bytes", len(b))
	}
	return ipv4Address(binary.BigEndian.Uint32(b[:4]), binary.BigEndian.Uint16(b[4:6])), nil
}
