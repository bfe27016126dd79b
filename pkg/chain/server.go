package chain

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/utils/logging"
)

const (
	acceptWorkers  = 4
	connDeadline   = 30 * time.Second
	acceptQueueLen = 64
)

// tcpServer is the shared accept-pool skeleton of the proposal and
// catch-up servers: one accept loop feeding a fixed worker pool.
type tcpServer struct {
	logger  *logrus.Entry
	ln      net.Listener
	handler func(conn net.Conn)

	connCh chan net.Conn
	exit   chan struct{}
	wg     sync.WaitGroup
}

func newTCPServer(name, bindIP string, port uint16, handler func(net.Conn)) (*tcpServer, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", bindIP, port))
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s server", name)
	}

	return &tcpServer{
		logger:  logging.Entry().WithField("component", name),
		ln:      ln,
		handler: handler,
		connCh:  make(chan net.Conn, acceptQueueLen),
		exit:    make(chan struct{}),
	}, nil
}

func (t *tcpServer) start() {
	t.wg.Add(1)
	go t.acceptLoop()

	for i := 0; i < acceptWorkers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
}

func (t *tcpServer) stop() {
	select {
	case <-t.exit:
	default:
		close(t.exit)
	}
	t.ln.Close()
	t.wg.Wait()
}

func (t *tcpServer) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.exit:
				return
			default:
			}
			t.logger.WithError(err).Debug("accept failed")
			continue
		}

		select {
		case t.connCh <- conn:
		case <-t.exit:
			conn.Close()
			return
		}
	}
}

func (t *tcpServer) worker() {
	defer t.wg.Done()

	for {
		select {
		case conn := <-t.connCh:
			conn.SetDeadline(time.Now().Add(connDeadline))
			t.handler(conn)
			conn.Close()
		case <-t.exit:
			return
		}
	}
}
