package stun

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildResponse assembles a minimal Binding Response carrying a single
// XOR-MAPPED-ADDRESS attribute, mirroring what a real STUN server
// would send back.
func buildResponse(txID [12]byte, ip net.IP, port uint16) []byte {
	ip4 := ip.To4()
	attr := make([]byte, 8)
	attr[0] = 0
	attr[1] = 0x01 // IPv4 family
	binary.BigEndian.PutUint16(attr[2:4], port^uint16(magicCookie>>16))
	ipWord := binary.BigEndian.Uint32(ip4) ^ uint32(magicCookie)
	binary.BigEndian.PutUint32(attr[4:8], ipWord)

	header := make([]byte, 20)
	binary.BigEndian.PutUint16(header[0:2], bindingResponse)
	binary.BigEndian.PutUint16(header[2:4], uint16(4+len(attr)))
	binary.BigEndian.PutUint32(header[4:8], magicCookie)
	copy(header[8:20], txID[:])

	attrHeader := make([]byte, 4)
	binary.BigEndian.PutUint16(attrHeader[0:2], attrXorMapped)
	binary.BigEndian.PutUint16(attrHeader[2:4], uint16(len(attr)))

	out := append(header, attrHeader...)
	out = append(out, attr...)
	return out
}

func TestParseBindingResponseXorMapped(t *testing.T) {
	var txID [12]byte
	copy(txID[:], []byte("abcdefghijkl"))
	want := net.ParseIP("203.0.113.5").To4()

	resp := buildResponse(txID, want, 40001)
	addr, err := parseBindingResponse(resp, txID)
	require.NoError(t, err)
	require.Equal(t, 40001, addr.Port)
	require.True(t, addr.IP.Equal(want))
}

func TestParseBindingResponseBadType(t *testing.T) {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint16(buf[0:2], 0x1111)
	_, err := parseBindingResponse(buf, [12]byte{})
	require.Error(t, err)
}

func TestBuildBindingRequestShape(t *testing.T) {
	req, _, err := buildBindingRequest()
	require.NoError(t, err)
	require.Len(t, req, 20)
	require.Equal(t, uint16(bindingRequest), binary.BigEndian.Uint16(req[0:2]))
	require.Equal(t, uint32(magicCookie), binary.BigEndian.Uint32(req[4:8]))
}
