package network

import (
	"math/rand"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Conn is the datagram exchange the consensus network runs over. Message
// boundaries are preserved; delivery is best effort.
type Conn interface {
	// Send transmits one frame and reports acceptance. Simulated packet
	// loss still reports success: the loss happens "on the wire".
	Send(addr string, frame []byte) bool

	// Receive blocks for one frame and its source address.
	Receive(buf []byte) (n int, src net.IP, err error)

	Close() error
}

// UDPConn is the production transport.
type UDPConn struct {
	conn *net.UDPConn

	// simulated packet loss, percent
	packetLoss uint32

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewUDPConn(bindIP string, port uint16, packetLoss uint32, seed int64) (*UDPConn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindIP), Port: int(port)}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "binding consensus socket")
	}

	return &UDPConn{
		conn:       conn,
		packetLoss: packetLoss,
		rnd:        rand.New(rand.NewSource(seed)),
	}, nil
}

func (c *UDPConn) Send(addr string, frame []byte) bool {
	if c.packetLoss > 0 {
		c.mu.Lock()
		drop := uint32(c.rnd.Intn(100)) < c.packetLoss
		c.mu.Unlock()
		if drop {
			return true
		}
	}

	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return false
	}

	_, err = c.conn.WriteToUDP(frame, dst)
	return err == nil
}

func (c *UDPConn) Receive(buf []byte) (int, net.IP, error) {
	n, src, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	return n, src.IP.To4(), nil
}

func (c *UDPConn) Close() error {
	return c.conn.Close()
}
