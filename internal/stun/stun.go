// Package stun implements a minimal RFC 5389 Binding Request client:
// enough to learn our public address through a NAT before handing the
// local UDP port to the real transport.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Servers is the fixed list of public STUN servers queried in order
// until both an IPv6 and an IPv4 result are found, most of which
// answer both address families.
var Servers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
	"stun.services.mozilla.com:3478",
	"stun.nextcloud.com:3478",
}

const (
	bindingRequest  = 0x0001
	bindingResponse = 0x0101
	magicCookie     = 0x2112A442
	attrXorMapped   = 0x0020
	attrMapped      = 0x0001

	queryTimeout = 2 * time.Second
)

var errNoMappedAddress = errors.New("stun: no mapped address in response")

// Result holds whichever public addresses were discovered, IPv6
// preferred.
type Result struct {
	IPv6 *net.UDPAddr
	IPv4 *net.UDPAddr
}

// Best returns the IPv6 address if discovered, else the IPv4 one.
func (r Result) Best() *net.UDPAddr {
	if r.IPv6 != nil {
		return r.IPv6
	}
	return r.IPv4
}

// Discover queries the server list in order, stopping once both an
// IPv6 and an IPv4 mapping have been found (or the list is
// exhausted). Each query binds its own short-lived socket to the given
// local port and closes it before returning; the caller then rebinds
// its QUIC/TCP socket to the same port (the accepted same-port-reuse
// tradeoff).
func Discover(port int) Result {
	var result Result
	for _, server := range Servers {
		if result.IPv6 == nil {
			if addr, err := queryFamily(server, "udp6", fmt.Sprintf("[::]:%d", port)); err == nil {
				result.IPv6 = addr
			}
		}
		if result.IPv4 == nil {
			if addr, err := queryFamily(server, "udp4", fmt.Sprintf("0.0.0.0:%d", port)); err == nil {
				result.IPv4 = addr
			}
		}
		if result.IPv6 != nil && result.IPv4 != nil {
			break
		}
	}
	return result
}

func queryFamily(server, network, localAddr string) (*net.UDPAddr, error) {
	laddr, err := net.ResolveUDPAddr(network, localAddr)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr(network, server)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP(network, laddr, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(queryTimeout)); err != nil {
		return nil, err
	}
	return query(conn)
}

// query sends a Binding Request over an already-connected UDP socket
// and parses the response.
func query(conn net.Conn) (*net.UDPAddr, error) {
	req, txID, err := buildBindingRequest()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("stun: send: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("stun: recv: %w", err)
	}
	return parseBindingResponse(buf[:n], txID)
}

func buildBindingRequest() ([]byte, [12]byte, error) {
	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return nil, txID, fmt.Errorf("stun: transaction id: %w", err)
	}
	req := make([]byte, 20)
	binary.BigEndian.PutUint16(req[0:2], bindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0) // length: no attributes
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	copy(req[8:20], txID[:])
	return req, txID, nil
}

func parseBindingResponse(buf []byte, txID [12]byte) (*net.UDPAddr, error) {
	if len(buf) < 20 {
		return nil, errors.New("stun: response too short")
	}
	msgType := binary.BigEndian.Uint16(buf[0:2])
	if msgType != bindingResponse {
		return nil, fmt.Errorf("stun: unexpected message type 0x%04x", msgType)
	}
	msgLen := int(binary.BigEndian.Uint16(buf[2:4]))

	offset := 20
	var xorAddr, plainAddr *net.UDPAddr
	for offset+4 <= 20+msgLen && offset+4 <= len(buf) {
		attrType := binary.BigEndian.Uint16(buf[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		if offset+4+attrLen > len(buf) {
			break
		}
		data := buf[offset+4 : offset+4+attrLen]

		switch attrType {
		case attrXorMapped:
			if addr := parseXorMappedAddress(data, buf[4:20]); addr != nil {
				xorAddr = addr
			}
		case attrMapped:
			if addr := parseMappedAddress(data); addr != nil {
				plainAddr = addr
			}
		}

		offset += 4 + ((attrLen + 3) &^ 3) // attributes are padded to 4-byte boundaries
	}

	if xorAddr != nil {
		return xorAddr, nil
	}
	if plainAddr != nil {
		return plainAddr, nil
	}
	return nil, errNoMappedAddress
}

func parseXorMappedAddress(data, magicAndTxID []byte) *net.UDPAddr {
	if len(data) < 4 {
		return nil
	}
	family := data[1]
	switch family {
	case 0x01: // IPv4
		if len(data) < 8 {
			return nil
		}
		port := binary.BigEndian.Uint16(data[2:4]) ^ uint16(magicCookie>>16)
		var ipBytes [4]byte
		magic := uint32(magicCookie)
		ipWord := binary.BigEndian.Uint32(data[4:8]) ^ magic
		binary.BigEndian.PutUint32(ipBytes[:], ipWord)
		return &net.UDPAddr{IP: net.IP(ipBytes[:]), Port: int(port)}
	case 0x02: // IPv6
		if len(data) < 20 {
			return nil
		}
		port := binary.BigEndian.Uint16(data[2:4]) ^ uint16(magicCookie>>16)
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = data[4+i] ^ magicAndTxID[i]
		}
		return &net.UDPAddr{IP: ip, Port: int(port)}
	default:
		return nil
	}
}

func parseMappedAddress(data []byte) *net.UDPAddr {
	if len(data) < 4 {
		return nil
	}
	family := data[1]
	switch family {
	case 0x01:
		if len(data) < 8 {
			return nil
		}
		port := binary.BigEndian.Uint16(data[2:4])
		ip := net.IPv4(data[4], data[5], data[6], data[7])
		return &net.UDPAddr{IP: ip, Port: int(port)}
	case 0x02:
		if len(data) < 20 {
			return nil
		}
		port := binary.BigEndian.Uint16(data[2:4])
		ip := make(net.IP, 16)
		copy(ip, data[4:20])
		return &net.UDPAddr{IP: ip, Port: int(port)}
	default:
		return nil
	}
}
