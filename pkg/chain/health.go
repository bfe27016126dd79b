package chain

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

const (
	healthCheckWindow    = 15 * time.Second
	healthCheckEarlyExit = 5 * time.Second
)

// ErrHealthCheck distinguishes startup connectivity failure; the daemon
// maps it to exit code 110.
var ErrHealthCheck = errors.New("health check failed")

// HealthCheck waits for connectivity to the validator set: all peers, or
// 2/3 of them after the early-exit grace. Returns an error when the window
// expires first; the caller exits with code 110.
func (s *Schain) HealthCheck() error {
	connected := make(map[types.SchainIndex]struct{})
	begin := time.Now()

	s.logger.Info("waiting to connect to peers")

	for len(connected)+1 < s.n {
		if 3*(len(connected)+1) >= 2*s.n && time.Since(begin) > healthCheckEarlyExit {
			break
		}

		if time.Since(begin) > healthCheckWindow {
			return errors.Wrap(ErrHealthCheck, "could not connect to 2/3 of peers")
		}

		select {
		case <-s.exit:
			return errs.ErrExitRequested
		case <-time.After(time.Second):
		}

		for _, peer := range s.table.Nodes() {
			if peer.SchainIndex == s.schainIndex {
				continue
			}
			if _, ok := connected[peer.SchainIndex]; ok {
				continue
			}

			if err := s.pingPeer(peer); err == nil {
				s.logger.WithField("peer", peer.ProposalAddr()).
					Debug("health check: connected to peer")
				connected[peer.SchainIndex] = struct{}{}
			}
		}
	}

	return nil
}

func (s *Schain) pingPeer(peer *network.NodeInfo) error {
	conn, err := net.DialTimeout("tcp4", peer.ProposalAddr(), time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	req := &srvMsg{
		Type:     srvMsgPing,
		SchainID: uint64(s.schainID),
		Ping:     &pingMsg{NodeID: uint64(s.nodeID)},
	}

	if err := writeMsg(conn, req); err != nil {
		return err
	}

	resp := &ackResp{}
	return readMsg(conn, resp)
}
