package udp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay answers IP discovery with respond and echoes every datagram after
// that.
func fakeRelay(t *testing.T, respond func(req []byte) []byte) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, MaxDatagramSize)
		discovered := map[string]bool{}

		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}

			if !discovered[addr.String()] {
				discovered[addr.String()] = true
				pc.WriteTo(respond(buf[:n]), addr)
				continue
			}

			pc.WriteTo(buf[:n], addr)
		}
	}()

	return pc.LocalAddr().String()
}

func respondWith(ip string, port uint16) func([]byte) []byte {
	return func(req []byte) []byte {
		ssrc := binary.BigEndian.Uint32(req[4:8])
		resp := DiscoveryResponse(ssrc, ip, port)
		return resp[:]
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDiscoveryRequest(t *testing.T) {
	req := DiscoveryRequest(0xAABBCCDD)
	assert.Len(t, req, 74)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 70, 0xAA, 0xBB, 0xCC, 0xDD}, req[:8])
}

func TestDialConnection(t *testing.T) {
	addr := fakeRelay(t, respondWith("203.0.113.7", 50004))

	conn, err := DialConnection(testContext(t), addr, 42)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "203.0.113.7", conn.ExternalIP)
	assert.Equal(t, uint16(50004), conn.ExternalPort)
	assert.Equal(t, uint32(42), conn.SSRC())

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, MaxDatagramSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	require.NoError(t, conn.Close())
	_, err = conn.Write([]byte("pong"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDialConnectionMalformed(t *testing.T) {
	tests := []struct {
		name    string
		respond func([]byte) []byte
	}{
		{"ipv6", respondWith("2001:db8::1", 1234)},
		{"hostname", respondWith("relay.invalid", 1234)},
		{"short", func([]byte) []byte { return []byte{0, 2, 0, 70} }},
		{"wrong type", func(req []byte) []byte {
			resp := DiscoveryResponse(1, "127.0.0.1", 1)
			binary.BigEndian.PutUint16(resp[0:2], 0x1)
			return resp[:]
		}},
		{"unterminated", func([]byte) []byte {
			resp := DiscoveryResponse(1, "", 1)
			for i := 8; i < 72; i++ {
				resp[i] = '1'
			}
			return resp[:]
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			addr := fakeRelay(t, test.respond)

			_, err := DialConnection(testContext(t), addr, 1)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}

func TestParseDiscoveryResponse(t *testing.T) {
	resp := DiscoveryResponse(9, "10.0.0.1", 0x1234)

	ip, port, err := ParseDiscoveryResponse(resp[:])
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, uint16(0x1234), port)
	assert.Equal(t, []byte{0x12, 0x34}, resp[72:74], "port is big-endian")
}

func TestNilConnection(t *testing.T) {
	var conn *Connection
	_, err := conn.Write([]byte{1})
	assert.ErrorIs(t, err, ErrNotConnected)
}
