package chain

import (
	"net"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/types"
)

// catchupBatchCap bounds one catch-up response.
const catchupBatchCap = 128

// CatchupServer serves contiguous batches of committed blocks to lagging
// peers.
type CatchupServer struct {
	s   *Schain
	srv *tcpServer
}

func NewCatchupServer(s *Schain, bindIP string, port uint16) (*CatchupServer, error) {
	cs := &CatchupServer{s: s}

	srv, err := newTCPServer("catchup-server", bindIP, port, cs.handle)
	if err != nil {
		return nil, err
	}
	cs.srv = srv

	return cs, nil
}

func (cs *CatchupServer) Start() {
	cs.srv.start()
}

func (cs *CatchupServer) Stop() {
	cs.srv.stop()
}

func (cs *CatchupServer) handle(conn net.Conn) {
	req := &srvMsg{}
	if err := readMsg(conn, req); err != nil {
		cs.srv.logger.WithError(err).Debug("reading request")
		return
	}

	if types.SchainID(req.SchainID) != cs.s.schainID {
		cs.srv.logger.WithError(errors.Wrapf(errs.ErrInvalidSchain,
			"schain id %d", req.SchainID)).Error("rejecting request")
		return
	}

	if req.Type != srvMsgCatchup || req.Catchup == nil {
		cs.srv.logger.WithError(errors.Wrapf(errs.ErrInvalidMessageFormat,
			"request type %d", req.Type)).Error("rejecting request")
		return
	}

	if err := cs.respond(conn, types.BlockID(req.Catchup.FromBlockID)); err != nil {
		cs.srv.logger.WithError(err).Error("serving catchup")
	}
}

func (cs *CatchupServer) respond(conn net.Conn, from types.BlockID) error {
	last := cs.s.LastCommittedBlockID()

	if from == 0 || from > last {
		return writeMsg(conn, &catchupResp{})
	}

	to := from + catchupBatchCap - 1
	if to > last {
		to = last
	}

	blocks := make([]*block.CommittedBlock, 0, to-from+1)
	for id := from; id <= to; id++ {
		b, err := cs.s.store.GetBlock(id)
		if err == storage.ErrNotFound {
			break
		}
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}

	raw, err := block.NewCommittedBlockList(blocks).Serialize()
	if err != nil {
		return err
	}

	return writeMsg(conn, &catchupResp{Blocks: raw})
}
