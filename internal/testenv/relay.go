// Package testenv provides a fake voice relay for tests: a voice gateway
// websocket server and a UDP media endpoint on loopback.
package testenv

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/relayvoice/relayvoice/voice/udp"
)

// Timeout bounds every wait of the fake relay.
const Timeout = 5 * time.Second

const (
	heartbeatOp    = 3
	heartbeatAckOp = 6
	helloOp        = 8
)

// Relay is a fake voice relay.
type Relay struct {
	t      *testing.T
	server *httptest.Server
	udp    net.PacketConn
	conns  chan *Conn

	// Packets receives every media datagram sent to the UDP endpoint.
	Packets chan []byte

	mu       sync.Mutex
	lastPeer net.Addr
	accepted []*Conn
}

// NewRelay starts a Relay that is shut down when the test ends.
func NewRelay(t *testing.T) *Relay {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("failed to listen UDP:", err)
	}

	r := &Relay{
		t:       t,
		udp:     pc,
		conns:   make(chan *Conn, 4),
		Packets: make(chan []byte, 1024),
	}

	r.server = httptest.NewServer(http.HandlerFunc(r.serveWS))

	go r.serveUDP()

	t.Cleanup(func() {
		r.mu.Lock()
		accepted := r.accepted
		r.mu.Unlock()

		for _, c := range accepted {
			c.Abort()
		}

		r.server.CloseClientConnections()
		r.server.Close()
		r.udp.Close()
	})

	return r
}

// Endpoint returns the endpoint to give in a voice server update.
func (r *Relay) Endpoint() string {
	return "ws://" + strings.TrimPrefix(r.server.URL, "http://")
}

// UDPAddr returns the address of the UDP endpoint.
func (r *Relay) UDPAddr() *net.UDPAddr {
	return r.udp.LocalAddr().(*net.UDPAddr)
}

// WriteTo sends a datagram to the last client that sent one to the relay.
func (r *Relay) WriteTo(b []byte) error {
	r.mu.Lock()
	peer := r.lastPeer
	r.mu.Unlock()

	if peer == nil {
		return errors.New("no UDP peer yet")
	}

	_, err := r.udp.WriteTo(b, peer)
	return err
}

func (r *Relay) serveUDP() {
	buf := make([]byte, udp.MaxDatagramSize)

	for {
		n, addr, err := r.udp.ReadFrom(buf)
		if err != nil {
			return
		}

		r.mu.Lock()
		r.lastPeer = addr
		r.mu.Unlock()

		b := append([]byte(nil), buf[:n]...)

		if n == 74 && b[0] == 0 && b[1] == 1 {
			peer := addr.(*net.UDPAddr)
			ssrc := uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
			resp := udp.DiscoveryResponse(ssrc, peer.IP.String(), uint16(peer.Port))
			r.udp.WriteTo(resp[:], addr)
			continue
		}

		select {
		case r.Packets <- b:
		default:
		}
	}
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.t.Log("fake relay failed to accept:", err)
		return
	}

	conn := &Conn{
		c:     c,
		Query: req.URL.Query().Encode(),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	r.accepted = append(r.accepted, conn)
	r.mu.Unlock()

	r.conns <- conn
	<-conn.done
}

// Accept waits for the next gateway connection.
func (r *Relay) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-r.conns:
		return c, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "no gateway connection")
	}
}

// Message is a raw gateway message.
type Message struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// Conn is one accepted gateway connection.
type Conn struct {
	c *websocket.Conn
	// Query is the encoded query of the request URL.
	Query string

	seq      int64
	once     sync.Once
	done     chan struct{}
	beatsMu  sync.Mutex
	beatsAck []int64
}

// Send sends an event. Every event but Hello gets the next sequence number.
func (c *Conn) Send(ctx context.Context, op int, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	msg := Message{Op: op, Data: b}
	if op != helloOp {
		c.seq++
		msg.Seq = c.seq
	}

	return wsjson.Write(ctx, c.c, msg)
}

// Seq returns the sequence number of the last sent event.
func (c *Conn) Seq() int64 { return c.seq }

// Expect reads messages until one with the given op arrives, and decodes its
// data into v. Heartbeats are acknowledged on the way unless op is the
// heartbeat op.
func (c *Conn) Expect(ctx context.Context, op int, v interface{}) error {
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.c, &msg); err != nil {
			return errors.Wrapf(err, "waiting for op %d", op)
		}

		if msg.Op == op {
			if v == nil {
				return nil
			}
			return json.Unmarshal(msg.Data, v)
		}

		if msg.Op == heartbeatOp {
			if err := c.ackHeartbeat(ctx, msg.Data); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) ackHeartbeat(ctx context.Context, data json.RawMessage) error {
	var beat struct {
		T      int64 `json:"t"`
		SeqAck int64 `json:"seq_ack"`
	}
	if err := json.Unmarshal(data, &beat); err != nil {
		return err
	}

	c.beatsMu.Lock()
	c.beatsAck = append(c.beatsAck, beat.SeqAck)
	c.beatsMu.Unlock()

	return wsjson.Write(ctx, c.c, Message{Op: heartbeatAckOp, Data: mustMarshal(map[string]int64{"t": beat.T})})
}

// HeartbeatAcks returns the seq_ack values of the acknowledged heartbeats.
func (c *Conn) HeartbeatAcks() []int64 {
	c.beatsMu.Lock()
	defer c.beatsMu.Unlock()
	return append([]int64(nil), c.beatsAck...)
}

// Pump keeps reading, acknowledging heartbeats, until ctx expires or the
// connection closes. Messages other than heartbeats go to fn if it is not nil.
func (c *Conn) Pump(ctx context.Context, fn func(Message)) error {
	for {
		var msg Message
		if err := wsjson.Read(ctx, c.c, &msg); err != nil {
			return err
		}

		if msg.Op == heartbeatOp {
			if err := c.ackHeartbeat(ctx, msg.Data); err != nil {
				return err
			}
			continue
		}

		if fn != nil {
			fn(msg)
		}
	}
}

// Close closes the connection with the given close code.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		c.c.Close(websocket.StatusCode(code), reason)
		close(c.done)
	})
}

// Abort closes the connection without a close handshake.
func (c *Conn) Abort() {
	c.once.Do(func() {
		c.c.CloseNow()
		close(c.done)
	})
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
