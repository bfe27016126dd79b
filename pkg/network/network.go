package network

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/utils/logging"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/types"
)

const (
	// per-peer delayed-sends cap; oldest dropped on overflow
	maxDelayedSends = 256

	// drain cadence for deferred messages and delayed sends
	drainTick = 100 * time.Millisecond
)

// Consumer is the orchestrator side of the network: the single mutator of
// chain state. The network only reads its progress to classify inbound
// messages.
type Consumer interface {
	// PostMessage enqueues a deliverable envelope.
	PostMessage(env *Envelope)

	// CurrentBlockID is lastCommittedBlockID + 1.
	CurrentBlockID() types.BlockID

	// Round is the local round of a binary consensus instance.
	Round(key types.ProtocolKey) types.Round

	// IsDecided reports whether an instance reached its decision.
	IsDecided(key types.ProtocolKey) bool
}

// OutgoingStore persists broadcast messages for replay after restart.
type OutgoingStore interface {
	SaveOutgoingMsg(m *NetworkMessage) error
}

type delayedSend struct {
	msg *NetworkMessage
	dst *NodeInfo
}

// Network drives the consensus datagram exchange: broadcast with retry and
// per-peer delayed-send backlogs, and the deferred-message queue that holds
// future-block and future-round messages until the chain catches up.
type Network struct {
	logger *logrus.Entry

	schainID types.SchainID
	self     *NodeInfo
	table    *Table

	conn     Conn
	consumer Consumer
	outgoing OutgoingStore

	// messages at or below this block id are assumed committed and dropped
	catchupBlocks types.BlockID

	deferredMu sync.Mutex
	deferred   map[types.BlockID][]*Envelope

	delayedMu sync.Mutex
	delayed   map[types.SchainIndex][]*delayedSend

	msgID uint64

	exit chan struct{}
	wg   sync.WaitGroup
}

func NewNetwork(schainID types.SchainID, self *NodeInfo, table *Table,
	conn Conn, consumer Consumer, outgoing OutgoingStore,
	catchupBlocks types.BlockID) *Network {

	return &Network{
		logger: logging.Entry().WithField("component", "network").
			WithField("index", uint64(self.SchainIndex)),
		schainID:      schainID,
		self:          self,
		table:         table,
		conn:          conn,
		consumer:      consumer,
		outgoing:      outgoing,
		catchupBlocks: catchupBlocks,
		deferred:      make(map[types.BlockID][]*Envelope),
		delayed:       make(map[types.SchainIndex][]*delayedSend),
		exit:          make(chan struct{}),
	}
}

func (n *Network) Start() {
	n.wg.Add(2)
	go n.readLoop()
	go n.drainLoop()
}

// Stop requests exit and closes the socket so blocked reads return. Waits
// for both loops.
func (n *Network) Stop() {
	select {
	case <-n.exit:
	default:
		close(n.exit)
	}

	n.conn.Close()
	n.wg.Wait()
}

func (n *Network) exitRequested() bool {
	select {
	case <-n.exit:
		return true
	default:
		return false
	}
}

func (n *Network) nextMsgID() types.MsgID {
	return types.MsgID(atomic.AddUint64(&n.msgID, 1))
}

// BroadcastMessage sends m to every peer, retrying until at least 2f+1
// validators (including self) have accepted it. Peers that still refuse are
// left a copy in their delayed-sends FIFO.
func (n *Network) BroadcastMessage(m *NetworkMessage) error {
	if m.BlockID <= n.catchupBlocks {
		return nil
	}

	m.SchainID = n.schainID
	m.SrcNodeID = n.self.NodeID
	m.SrcIP = net.ParseIP(n.self.IP).To4()
	if m.MsgID == 0 {
		m.MsgID = n.nextMsgID()
	}

	if n.outgoing != nil {
		if err := n.outgoing.SaveOutgoingMsg(m); err != nil {
			n.logger.WithError(err).Error("persisting outgoing message")
		}
	}

	nodeCount := n.table.Size()
	sent := make(map[types.SchainIndex]bool, nodeCount)

	for 3*(len(sent)+1) < 2*nodeCount {
		if n.exitRequested() {
			return errs.ErrExitRequested
		}

		progress := false
		for _, peer := range n.table.Nodes() {
			if peer.SchainIndex == n.self.SchainIndex || sent[peer.SchainIndex] {
				continue
			}
			if n.sendTo(peer, m) {
				sent[peer.SchainIndex] = true
				progress = true
			}
		}

		if !progress {
			time.Sleep(10 * time.Millisecond)
		}
	}

	for _, peer := range n.table.Nodes() {
		if peer.SchainIndex == n.self.SchainIndex || sent[peer.SchainIndex] {
			continue
		}
		n.addToDelayedSends(m, peer)
	}

	return nil
}

func (n *Network) sendTo(peer *NodeInfo, m *NetworkMessage) bool {
	mc := *m
	mc.DstNodeID = peer.NodeID

	frame, err := EncodeMessage(&mc)
	if err != nil {
		n.logger.WithError(err).Error("encoding message")
		return false
	}

	return n.conn.Send(peer.ConsensusAddr(), frame)
}

func (n *Network) addToDelayedSends(m *NetworkMessage, dst *NodeInfo) {
	n.delayedMu.Lock()
	defer n.delayedMu.Unlock()

	q := append(n.delayed[dst.SchainIndex], &delayedSend{msg: m, dst: dst})
	if len(q) > maxDelayedSends {
		q = q[1:]
	}
	n.delayed[dst.SchainIndex] = q
}

// TotalDelayedSends is surfaced in the block-commit log line.
func (n *Network) TotalDelayedSends() int {
	n.delayedMu.Lock()
	defer n.delayedMu.Unlock()

	total := 0
	for _, q := range n.delayed {
		total += len(q)
	}
	return total
}

// DeferredCount reports queued envelopes, for tests and monitoring.
func (n *Network) DeferredCount() int {
	n.deferredMu.Lock()
	defer n.deferredMu.Unlock()

	total := 0
	for _, l := range n.deferred {
		total += len(l)
	}
	return total
}

func (n *Network) addToDeferredMessageQueue(env *Envelope) {
	n.deferredMu.Lock()
	defer n.deferredMu.Unlock()

	n.deferred[env.Msg.BlockID] = append(n.deferred[env.Msg.BlockID], env)
}

// pullMessagesForBlockID removes and returns every deferred envelope with
// block id at or below current. Callers re-run postOrDefer on the result.
func (n *Network) pullMessagesForBlockID(current types.BlockID) []*Envelope {
	n.deferredMu.Lock()
	defer n.deferredMu.Unlock()

	var out []*Envelope
	for bid, list := range n.deferred {
		if bid <= current {
			out = append(out, list...)
			delete(n.deferred, bid)
		}
	}
	return out
}

// postOrDefer is the admission policy for inbound consensus messages:
// future blocks wait for the chain, and rounds more than one ahead of the
// local instance wait for the protocol. A round exactly one ahead is held
// only while the instance is undecided. Everything else delivers.
func (n *Network) postOrDefer(env *Envelope, current types.BlockID) {
	m := env.Msg

	if m.BlockID > current {
		n.addToDeferredMessageQueue(env)
		return
	}

	key := m.ProtocolKey()
	localRound := n.consumer.Round(key)

	if m.Round > localRound+1 {
		n.addToDeferredMessageQueue(env)
		return
	}
	if m.Round == localRound+1 && !n.consumer.IsDecided(key) {
		n.addToDeferredMessageQueue(env)
		return
	}

	n.consumer.PostMessage(env)
}

func (n *Network) readLoop() {
	defer n.wg.Done()

	buf := make([]byte, FrameLen)

	for !n.exitRequested() {
		env, err := n.receiveMessage(buf)
		if err != nil {
			if n.exitRequested() {
				return
			}
			n.logger.WithError(err).Debug("dropping frame")
			continue
		}
		if env == nil {
			continue
		}

		if env.Msg.BlockID <= n.catchupBlocks {
			continue
		}

		n.postOrDefer(env, n.consumer.CurrentBlockID())
	}
}

// receiveMessage reads one frame, decodes it, and authenticates the sender
// by source ip against the validator table.
func (n *Network) receiveMessage(buf []byte) (*Envelope, error) {
	nr, src, err := n.conn.Receive(buf)
	if err != nil {
		if n.exitRequested() {
			return nil, errs.ErrExitRequested
		}
		return nil, errors.Wrap(err, "reading frame")
	}

	m, err := DecodeMessage(buf[:nr])
	if err != nil {
		return nil, err
	}

	if m.SchainID != n.schainID {
		return nil, errors.Wrapf(errs.ErrInvalidSchain, "schain id %d", uint64(m.SchainID))
	}

	if src != nil && !src.Equal(m.SrcIP) {
		return nil, errors.Wrapf(errs.ErrInvalidSourceIP,
			"datagram source %s does not match header %s", src, m.SrcIP)
	}

	sender := n.table.ByIP(m.SrcIP.String())
	if sender == nil {
		return nil, errors.Wrapf(errs.ErrInvalidSourceIP, "unknown source %s", m.SrcIP)
	}

	return &Envelope{Msg: m, Sender: sender}, nil
}

// drainLoop ticks every 100 ms: re-evaluates deferred messages against the
// current block id, and retries one delayed send per peer.
func (n *Network) drainLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(drainTick)
	defer ticker.Stop()

	for {
		select {
		case <-n.exit:
			return
		case <-ticker.C:
		}

		current := n.consumer.CurrentBlockID()
		for _, env := range n.pullMessagesForBlockID(current) {
			n.postOrDefer(env, n.consumer.CurrentBlockID())
		}

		n.drainDelayedSends()
	}
}

func (n *Network) drainDelayedSends() {
	n.delayedMu.Lock()
	defer n.delayedMu.Unlock()

	for idx, q := range n.delayed {
		if len(q) == 0 {
			continue
		}
		if n.sendTo(q[0].dst, q[0].msg) {
			n.delayed[idx] = q[1:]
		}
	}
}
