// Package udp implements the media transport of a voice session: IP discovery
// followed by a raw datagram pipe to the relay. Encryption and RTP framing
// happen above this package.
package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	// ErrNotConnected is returned when the connection is used before it is
	// open or after it is closed.
	ErrNotConnected = errors.New("UDP connection is not open")
	// ErrMalformedResponse is returned when the IP discovery response can't
	// be parsed or doesn't carry an IPv4 address.
	ErrMalformedResponse = errors.New("malformed IP discovery response")
)

// Dialer is the default dialer that this package uses for all its dialing.
var Dialer = net.Dialer{
	Timeout: 10 * time.Second,
}

// DiscoveryTimeout bounds the IP discovery exchange if the context given to
// DialConnection has no deadline.
var DiscoveryTimeout = 5 * time.Second

// MaxDatagramSize is the largest datagram Read expects.
const MaxDatagramSize = 1500

// IP discovery packet layout.
const (
	discoveryRequestType  = 0x1
	discoveryResponseType = 0x2
	discoverySize         = 74
	discoveryBodySize     = 70
)

// DiscoveryRequest builds the 74-byte IP discovery request for ssrc.
func DiscoveryRequest(ssrc uint32) [discoverySize]byte {
	var b [discoverySize]byte
	binary.BigEndian.PutUint16(b[0:2], discoveryRequestType)
	binary.BigEndian.PutUint16(b[2:4], discoveryBodySize)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	return b
}

// DiscoveryResponse builds an IP discovery response. It is what a relay
// answers to DiscoveryRequest.
func DiscoveryResponse(ssrc uint32, ip string, port uint16) [discoverySize]byte {
	var b [discoverySize]byte
	binary.BigEndian.PutUint16(b[0:2], discoveryResponseType)
	binary.BigEndian.PutUint16(b[2:4], discoveryBodySize)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	copy(b[8:72], ip)
	binary.BigEndian.PutUint16(b[72:74], port)
	return b
}

// ParseDiscoveryResponse extracts the external IPv4 address and port from an
// IP discovery response.
func ParseDiscoveryResponse(b []byte) (string, uint16, error) {
	if len(b) < discoverySize {
		return "", 0, errors.Wrapf(ErrMalformedResponse, "got %d bytes", len(b))
	}

	if t := binary.BigEndian.Uint16(b[0:2]); t != discoveryResponseType {
		return "", 0, errors.Wrapf(ErrMalformedResponse, "unexpected type 0x%x", t)
	}

	body := b[8:72]

	end := bytes.IndexByte(body, 0)
	if end < 0 {
		return "", 0, errors.Wrap(ErrMalformedResponse, "address is not null-terminated")
	}

	ip := net.ParseIP(string(body[:end]))
	if ip == nil || ip.To4() == nil {
		return "", 0, errors.Wrapf(ErrMalformedResponse, "%q is not an IPv4 address", body[:end])
	}

	return ip.To4().String(), binary.BigEndian.Uint16(b[72:74]), nil
}

// Connection is an open datagram pipe to the relay. Reads and writes may
// happen concurrently with each other.
type Connection struct {
	// ExternalIP and ExternalPort are the address the relay sees us as.
	ExternalIP   string
	ExternalPort uint16

	conn   net.Conn
	ssrc   uint32
	closed atomic.Bool
}

// DialFunc is the UDP dialer function type.
type DialFunc = func(ctx context.Context, addr string, ssrc uint32) (*Connection, error)

var _ DialFunc = DialConnection

// DialConnection dials the relay and runs IP discovery for ssrc.
func DialConnection(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialConnectionCustom(ctx, &Dialer, addr, ssrc)
}

// DialConnectionCustom is like DialConnection, but with a custom dialer. The
// socket is closed if discovery fails.
func DialConnectionCustom(ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32) (*Connection, error) {
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial host")
	}

	c := &Connection{conn: conn, ssrc: ssrc}

	if err := c.discover(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return c, nil
}

func (c *Connection) discover(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DiscoveryTimeout)
	}

	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	req := DiscoveryRequest(c.ssrc)
	if _, err := c.conn.Write(req[:]); err != nil {
		return errors.Wrap(err, "failed to write discovery request")
	}

	buf := make([]byte, MaxDatagramSize)

	n, err := c.conn.Read(buf)
	if err != nil {
		return errors.Wrap(err, "failed to read discovery response")
	}

	c.ExternalIP, c.ExternalPort, err = ParseDiscoveryResponse(buf[:n])
	return err
}

// SSRC returns the SSRC the connection was discovered with.
func (c *Connection) SSRC() uint32 { return c.ssrc }

// LocalAddr returns the local socket address.
func (c *Connection) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Write sends b as a single datagram.
func (c *Connection) Write(b []byte) (int, error) {
	if c == nil || c.closed.Load() {
		return 0, ErrNotConnected
	}

	n, err := c.conn.Write(b)
	if errors.Is(err, net.ErrClosed) {
		return n, ErrNotConnected
	}
	return n, err
}

// Read reads a single datagram into b.
func (c *Connection) Read(b []byte) (int, error) {
	if c == nil || c.closed.Load() {
		return 0, ErrNotConnected
	}

	n, err := c.conn.Read(b)
	if errors.Is(err, net.ErrClosed) {
		return n, ErrNotConnected
	}
	return n, err
}

// SetReadDeadline sets the socket's read deadline.
func (c *Connection) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the socket's write deadline.
func (c *Connection) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Close closes the socket. Subsequent reads and writes fail with
// ErrNotConnected.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
