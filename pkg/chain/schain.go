package chain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/utils/logging"
	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/consensus"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/mempool"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

const defaultMaxTxPerBlock = 8192

// Schain is the per-subchain orchestrator: the single writer of
// lastCommittedBlockID, the owner of the in-flight protocol instances, and
// the hub every agent reports back to. All chain-state mutation happens
// under m; inbound messages flow through a single processing loop.
type Schain struct {
	logger *logrus.Entry

	schainID    types.SchainID
	schainIndex types.SchainIndex
	nodeID      types.NodeID
	n           int
	f           int

	cm      *crypto.Manager
	store   storage.Store
	pool    *mempool.Pool
	table   *network.Table
	net     *network.Network
	bca     *consensus.BlockConsensusAgent
	extFace ExtFace
	pricing *PricingAgent

	proposalClient *ProposalClient

	// chain state lock
	m                    sync.Mutex
	lastCommittedBlockID uint64 // atomic mirror, read by network threads
	lastCommittedTS      uint64
	lastCommittedTSMs    uint32
	bootstrapped         bool
	totalTransactions    uint64

	// inbound message queue, condition-variable driven
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []consensus.Item

	emptyBlockInterval time.Duration
	maxTxPerBlock      int

	finalizationDownloadOnly bool

	exit     chan struct{}
	exitFlag uint32
	wg       sync.WaitGroup
}

type Config struct {
	SchainID    types.SchainID
	SchainIndex types.SchainIndex
	NodeID      types.NodeID

	EmptyBlockInterval       time.Duration
	MaxTxPerBlock            int
	FinalizationDownloadOnly bool
}

func NewSchain(cfg Config, cm *crypto.Manager, store storage.Store,
	table *network.Table, bca *consensus.BlockConsensusAgent, extFace ExtFace) *Schain {

	maxTx := cfg.MaxTxPerBlock
	if maxTx == 0 {
		maxTx = defaultMaxTxPerBlock
	}

	s := &Schain{
		logger: logging.Entry().WithField("component", "schain").
			WithField("index", uint64(cfg.SchainIndex)),
		schainID:                 cfg.SchainID,
		schainIndex:              cfg.SchainIndex,
		nodeID:                   cfg.NodeID,
		n:                        table.Size(),
		f:                        crypto.MaxFaulty(table.Size()),
		cm:                       cm,
		store:                    store,
		pool:                     mempool.NewPool(maxTx * 4),
		table:                    table,
		bca:                      bca,
		extFace:                  extFace,
		pricing:                  NewPricingAgent(store, maxTx),
		emptyBlockInterval:       cfg.EmptyBlockInterval,
		maxTxPerBlock:            maxTx,
		finalizationDownloadOnly: cfg.FinalizationDownloadOnly,
		exit:                     make(chan struct{}),
	}
	s.queueCond = sync.NewCond(&s.queueMu)
	s.proposalClient = NewProposalClient(s)

	bca.SetFinalizer(s.FinalizeDecidedAndSignedBlock)

	return s
}

// SetNetwork resolves the orchestrator <-> transport back reference.
func (s *Schain) SetNetwork(n *network.Network) {
	s.net = n
}

func (s *Schain) Pool() *mempool.Pool          { return s.pool }
func (s *Schain) Table() *network.Table        { return s.table }
func (s *Schain) SchainID() types.SchainID     { return s.schainID }
func (s *Schain) SchainIndex() types.SchainIndex { return s.schainIndex }
func (s *Schain) NodeCount() int               { return s.n }

func (s *Schain) Start() {
	s.wg.Add(1)
	go s.messageLoop()
	s.proposalClient.Start()
}

func (s *Schain) Stop() {
	if !atomic.CompareAndSwapUint32(&s.exitFlag, 0, 1) {
		return
	}
	close(s.exit)

	s.queueMu.Lock()
	s.queueCond.Broadcast()
	s.queueMu.Unlock()
	s.proposalClient.Stop()
	s.wg.Wait()
}

func (s *Schain) exitRequested() bool {
	return atomic.LoadUint32(&s.exitFlag) != 0
}

func (s *Schain) checkForExit() error {
	if s.exitRequested() {
		return errs.ErrExitRequested
	}
	return nil
}

// --- network.Consumer ---

// PostMessage enqueues a deliverable envelope for the message loop.
func (s *Schain) PostMessage(env *network.Envelope) {
	s.postItem(&consensus.NetworkItem{Env: env})
}

// CurrentBlockID is lastCommittedBlockID + 1.
func (s *Schain) CurrentBlockID() types.BlockID {
	return types.BlockID(atomic.LoadUint64(&s.lastCommittedBlockID) + 1)
}

func (s *Schain) LastCommittedBlockID() types.BlockID {
	return types.BlockID(atomic.LoadUint64(&s.lastCommittedBlockID))
}

func (s *Schain) Round(key types.ProtocolKey) types.Round {
	return s.bca.Round(key)
}

func (s *Schain) IsDecided(key types.ProtocolKey) bool {
	return s.bca.IsDecided(key)
}

// --- message loop ---

func (s *Schain) postItem(item consensus.Item) {
	s.queueMu.Lock()
	s.queue = append(s.queue, item)
	s.queueMu.Unlock()

	s.queueCond.Signal()
}

// messageLoop waits on the queue condition and routes every drained item
// through the block consensus agent. Per-item faults are logged with their
// cause and the loop continues.
func (s *Schain) messageLoop() {
	defer s.wg.Done()

	for {
		s.queueMu.Lock()
		for len(s.queue) == 0 && !s.exitRequested() {
			s.queueCond.Wait()
		}
		if s.exitRequested() {
			s.queueMu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.queueMu.Unlock()

		for _, item := range batch {
			if s.exitRequested() {
				return
			}
			s.bca.RouteAndProcessMessage(item)
		}
	}
}

// --- commit path ---

// FinalizeDecidedAndSignedBlock receives the aggregator's decision for a
// height: fetch (or download) the decided proposal, then commit.
func (s *Schain) FinalizeDecidedAndSignedBlock(id types.BlockID,
	proposer types.SchainIndex, thresholdSig []byte) {

	if id <= s.LastCommittedBlockID() {
		s.logger.WithField("block", uint64(id)).
			Info("ignoring old block decide, already got this through catchup")
		return
	}

	s.logger.WithFields(logging.Fields{
		"block":    uint64(id),
		"proposer": uint64(proposer),
	}).Info("BLOCK_SIGNED: now finalizing block")

	var proposal *block.BlockProposal
	haveProof := false

	if proposer == 0 {
		// empty proposals need no DA proof
		proposal = s.createEmptyBlockProposal(id)
		haveProof = true
	} else {
		p, err := s.store.GetProposal(id, proposer)
		if err == nil {
			proposal = p
			have, herr := s.store.HaveDAProof(id, proposer)
			if herr == nil {
				haveProof = have
			}
		} else if err != storage.ErrNotFound {
			s.logger.WithError(err).Error("reading decided proposal")
			return
		}
	}

	if !haveProof || s.finalizationDownloadOnly {
		// a proposal without a DA proof is not trusted; 2f+1 nodes are
		// guaranteed to hold it, pull it from them
		dl := NewFinalizeDownloader(s, id, proposer)
		p, err := dl.DownloadProposal()
		if err != nil {
			if !errs.IsExitRequested(err) {
				s.logger.WithError(err).Error("finalization download")
			}
			return
		}

		if p != nil { // nil means catchup got there first
			proposal = p
			if err := s.store.SaveProposal(p); err != nil {
				s.logger.WithError(err).Error("storing downloaded proposal")
			}
		}
	}

	if proposal == nil {
		return
	}

	if err := s.blockCommitArrived(id, proposal, thresholdSig); err != nil {
		if !errs.IsExitRequested(err) {
			s.logger.WithError(err).Error("committing decided block")
		}
	}
}

func (s *Schain) blockCommitArrived(id types.BlockID, proposal *block.BlockProposal,
	thresholdSig []byte) error {

	if err := s.checkForExit(); err != nil {
		return err
	}

	s.m.Lock()
	defer s.m.Unlock()

	if id <= types.BlockID(s.lastCommittedBlockID) {
		return nil
	}
	if id != types.BlockID(s.lastCommittedBlockID)+1 {
		return errors.Wrapf(errs.ErrInvalidState,
			"commit for block %d while at %d", id, s.lastCommittedBlockID)
	}

	committed := block.MakeCommitted(proposal, thresholdSig)

	if err := s.processCommittedBlockLocked(committed); err != nil {
		return err
	}

	return s.proposeNextBlockLocked(committed.TimeStamp(), committed.TimeStampMs())
}

// processCommittedBlockLocked persists the block, pushes it to the
// executor, and advances chain state. Caller holds m.
func (s *Schain) processCommittedBlockLocked(b *block.CommittedBlock) error {
	if err := s.checkForExit(); err != nil {
		return err
	}

	if types.BlockID(s.lastCommittedBlockID)+1 != b.BlockID() {
		return errors.Wrapf(errs.ErrInvalidState,
			"out of order commit %d at %d", b.BlockID(), s.lastCommittedBlockID)
	}

	s.totalTransactions += uint64(b.TransactionCount())

	delayedSends := 0
	if s.net != nil {
		delayedSends = s.net.TotalDelayedSends()
	}

	s.logger.WithFields(logging.Fields{
		"proposer":  uint64(b.ProposerIndex()),
		"block":     uint64(b.BlockID()),
		"hash":      b.Hash().Abbrev(),
		"block_txs": b.TransactionCount(),
		"total_txs": s.totalTransactions,
		"known_txs": s.pool.KnownCount(),
		"dsds":      delayedSends,
	}).Info("BLOCK_COMMIT")

	if err := s.store.SaveBlock(b); err != nil {
		return errors.Wrap(err, "saving block")
	}

	if err := s.pushBlockToExtFaceLocked(b); err != nil {
		return err
	}

	atomic.StoreUint64(&s.lastCommittedBlockID, uint64(b.BlockID()))
	s.lastCommittedTS = b.TimeStamp()
	s.lastCommittedTSMs = b.TimeStampMs()

	s.pool.MarkCommitted(b.TransactionList())
	s.bca.BlockCommitted(b.BlockID())

	return nil
}

func (s *Schain) pushBlockToExtFaceLocked(b *block.CommittedBlock) error {
	if err := s.checkForExit(); err != nil {
		return err
	}

	if _, err := s.pricing.CalculatePrice(b.TransactionCount(), b.BlockID()); err != nil {
		return errors.Wrap(err, "calculating gas price")
	}

	price, err := s.pricing.ReadPrice(b.BlockID() - 1)
	if err != nil {
		return errors.Wrap(err, "reading gas price")
	}

	if s.extFace != nil {
		txs := make([][]byte, 0, b.TransactionCount())
		for _, t := range b.TransactionList().Items() {
			txs = append(txs, t.Data())
		}

		s.extFace.CreateBlock(txs, b.TimeStamp(), b.TimeStampMs(),
			uint64(b.BlockID()), price, b.StateRoot())
	}

	return s.checkForExit()
}

// --- proposing ---

func (s *Schain) proposeNextBlockLocked(prevTS uint64, prevTSMs uint32) error {
	if err := s.checkForExit(); err != nil {
		return err
	}

	proposedID := types.BlockID(s.lastCommittedBlockID) + 1

	var myProposal *block.BlockProposal

	have, err := s.store.HaveProposalHash(proposedID, s.schainIndex)
	if err != nil {
		return err
	}

	if have {
		myProposal, err = s.store.GetProposal(proposedID, s.schainIndex)
		if err != nil {
			return errors.Wrap(err, "reloading own proposal")
		}
	} else {
		myProposal, err = s.buildBlockProposal(proposedID, prevTS, prevTSMs)
		if err != nil {
			return err
		}
	}

	if myProposal.ProposerIndex() != s.schainIndex {
		return errors.Wrap(errs.ErrInvalidState, "proposal with foreign proposer index")
	}

	s.logger.WithField("block", uint64(proposedID)).Debug("proposing block")

	if err := s.store.SaveProposal(myProposal); err != nil {
		return errors.Wrap(err, "storing own proposal")
	}

	if _, err := s.store.CheckAndSaveProposalHash(proposedID, s.schainIndex,
		myProposal.Hash()); err != nil {
		return err
	}

	s.proposalClient.EnqueueProposal(myProposal)

	// self-submit our DA share
	share, err := s.cm.SignShare(myProposal.Hash())
	if err != nil {
		return errors.Wrap(err, "signing own da share")
	}

	return s.daProofSigShareArrivedLocked(share, myProposal)
}

// buildBlockProposal packs pending transactions, waiting up to the empty
// block interval before giving up and proposing empty.
func (s *Schain) buildBlockProposal(id types.BlockID, prevTS uint64,
	prevTSMs uint32) (*block.BlockProposal, error) {

	txs := s.pool.WaitForTransactions(s.maxTxPerBlock, s.emptyBlockInterval, s.exit)
	if err := s.checkForExit(); err != nil {
		return nil, err
	}

	sec, ms := proposalTime(prevTS, prevTSMs)

	p := block.NewBlockProposal(s.schainID, id, s.schainIndex, s.nodeID, sec, ms,
		tx.NewList(txs))
	if err := p.Sign(s.cm); err != nil {
		return nil, err
	}

	return p, nil
}

// proposalTime picks wall time, clamped strictly after the previous block.
func proposalTime(prevTS uint64, prevTSMs uint32) (uint64, uint32) {
	now := time.Now()
	sec := uint64(now.Unix())
	ms := uint32(now.Nanosecond() / 1e6)

	if sec > prevTS || (sec == prevTS && ms > prevTSMs) {
		return sec, ms
	}

	if prevTSMs == 999 {
		return prevTS + 1, 0
	}
	return prevTS, prevTSMs + 1
}

func (s *Schain) createEmptyBlockProposal(id types.BlockID) *block.BlockProposal {
	s.m.Lock()
	prevTS, prevTSMs := s.lastCommittedTS, s.lastCommittedTSMs
	s.m.Unlock()

	return block.NewEmptyProposal(s.schainID, id, prevTS, prevTSMs)
}

// --- DA layer ---

// ProposedBlockArrived stores a peer proposal received by the proposal
// server.
func (s *Schain) ProposedBlockArrived(p *block.BlockProposal) error {
	if p.BlockID() <= s.LastCommittedBlockID() {
		return nil
	}

	if len(p.Signature()) == 0 {
		return errors.Wrap(errs.ErrInvalidArgument, "unsigned proposal")
	}

	return s.store.SaveProposal(p)
}

// DaProofSigShareArrived merges one DA share; completing the 2f+1 set
// assembles the proof.
func (s *Schain) DaProofSigShareArrived(share *crypto.SigShare, p *block.BlockProposal) error {
	if err := s.checkForExit(); err != nil {
		return err
	}

	s.m.Lock()
	defer s.m.Unlock()

	return s.daProofSigShareArrivedLocked(share, p)
}

func (s *Schain) daProofSigShareArrivedLocked(share *crypto.SigShare, p *block.BlockProposal) error {
	count, err := s.store.SaveDASigShare(p.BlockID(), p.ProposerIndex(),
		share.Signer, share.Data)
	if err != nil {
		return errors.Wrap(err, "could not add/merge sig share")
	}

	if count != s.cm.RequiredShares() {
		return nil
	}

	shares, err := s.store.GetDASigShares(p.BlockID(), p.ProposerIndex())
	if err != nil {
		return err
	}

	sig, err := s.cm.Recover(p.Hash(), shares)
	if err != nil {
		return errors.Wrap(err, "could not add/merge sig")
	}

	proof := &block.DAProof{
		BlockID:       p.BlockID(),
		ProposerIndex: p.ProposerIndex(),
		ProposalHash:  p.Hash(),
		ThresholdSig:  sig,
	}

	if err := s.daProofArrivedLocked(proof); err != nil {
		return err
	}

	s.proposalClient.EnqueueProof(proof)
	return nil
}

// DAProofArrived records a completed DA proof; once 2f+1 proposals for the
// height are proven, the proposal vector is frozen and consensus starts.
func (s *Schain) DAProofArrived(proof *block.DAProof) error {
	if err := s.checkForExit(); err != nil {
		return err
	}

	s.m.Lock()
	defer s.m.Unlock()

	return s.daProofArrivedLocked(proof)
}

func (s *Schain) daProofArrivedLocked(proof *block.DAProof) error {
	if proof.BlockID <= types.BlockID(s.lastCommittedBlockID) {
		return nil
	}

	if err := proof.Verify(s.cm); err != nil {
		return err
	}

	if err := s.store.SaveDAProof(proof); err != nil {
		return errors.Wrap(err, "saving da proof")
	}

	if _, err := s.store.GetProposalVector(proof.BlockID); err == nil {
		// vector already frozen for this height
		return nil
	} else if err != storage.ErrNotFound {
		return err
	}

	indexes, err := s.store.DAProofIndexes(proof.BlockID)
	if err != nil {
		return err
	}

	if len(indexes) < s.cm.RequiredShares() {
		return nil
	}

	vector := block.NewProposalVector(s.n)
	for _, idx := range indexes {
		vector.SetProposal(idx)
	}

	if err := s.store.SaveProposalVector(proof.BlockID, vector); err != nil {
		return err
	}

	s.startConsensusLocked(proof.BlockID, vector)
	return nil
}

func (s *Schain) startConsensusLocked(id types.BlockID, vector *block.BooleanProposalVector) {
	s.logger.WithFields(logging.Fields{
		"block":  uint64(id),
		"vector": vector.String(),
	}).Info("BIN_CONSENSUS_START")

	if id <= types.BlockID(s.lastCommittedBlockID) {
		s.logger.Debug("too late to start consensus: already committed")
		return
	}
	if id > types.BlockID(s.lastCommittedBlockID)+1 {
		s.logger.Debug("consensus is in the future")
		return
	}

	s.postItem(&consensus.ProposalItem{BlockID: id, Vector: vector})
}

// --- catch-up ingestion ---

// BlockCommitsArrivedThroughCatchup ingests a validated contiguous batch.
func (s *Schain) BlockCommitsArrivedThroughCatchup(list *block.CommittedBlockList) error {
	blocks := list.Blocks()
	if len(blocks) == 0 {
		return nil
	}

	s.m.Lock()
	defer s.m.Unlock()

	oldCommitted := types.BlockID(s.lastCommittedBlockID)

	if blocks[0].BlockID() > oldCommitted+1 {
		return errors.Wrapf(errs.ErrInvalidState,
			"catchup batch starts at %d while at %d", blocks[0].BlockID(), oldCommitted)
	}

	var prevTS uint64
	var prevTSMs uint32

	for _, b := range blocks {
		if b.BlockID() <= types.BlockID(s.lastCommittedBlockID) {
			continue
		}
		if err := s.processCommittedBlockLocked(b); err != nil {
			return err
		}
		prevTS = b.TimeStamp()
		prevTSMs = b.TimeStampMs()
	}

	if oldCommitted < types.BlockID(s.lastCommittedBlockID) {
		s.logger.WithField("blocks",
			uint64(types.BlockID(s.lastCommittedBlockID)-oldCommitted)).Info("BLOCK_CATCHUP")
		return s.proposeNextBlockLocked(prevTS, prevTSMs)
	}

	return nil
}

// --- bootstrap ---

// Bootstrap reconciles the local store with the caller's view of the chain
// and jump-starts proposing. The caller is the execution collaborator; a
// one-block surplus in our store is the snapshot-before-commit case.
func (s *Schain) Bootstrap(lastCommitted types.BlockID, ts uint64, tsMs uint32) error {
	storeLast, err := s.store.LastCommittedBlockID()
	if err != nil {
		return errors.Wrap(err, "reading last committed block")
	}

	s.logger.WithFields(logging.Fields{
		"store":  uint64(storeLast),
		"caller": uint64(lastCommitted),
	}).Info("bootstrapping consensus")

	if err := s.checkForExit(); err != nil {
		return err
	}

	if storeLast == lastCommitted+1 {
		// the store holds one block the executor never saw; push it out
		b, err := s.store.GetBlock(storeLast)
		if err != nil {
			// cannot read it; catchup will re-fetch
			s.logger.WithError(err).Error("bootstrap could not read block from db")
		} else {
			s.m.Lock()
			if err := s.pushBlockToExtFaceLocked(b); err != nil {
				s.m.Unlock()
				return err
			}
			s.m.Unlock()

			lastCommitted = lastCommitted + 1
			ts = b.TimeStamp()
			tsMs = b.TimeStampMs()
		}
	} else {
		if storeLast < lastCommitted {
			return errors.Wrap(errs.ErrFatal,
				"local store is behind the execution collaborator")
		}
		if storeLast > lastCommitted+1 {
			return errors.Wrap(errs.ErrFatal,
				"local store is more than one block ahead of the execution collaborator")
		}
	}

	s.m.Lock()
	defer s.m.Unlock()

	if s.bootstrapped {
		return errors.Wrap(errs.ErrInvalidState, "bootstrap called twice")
	}
	s.bootstrapped = true

	atomic.StoreUint64(&s.lastCommittedBlockID, uint64(lastCommitted))
	s.lastCommittedTS = ts
	s.lastCommittedTSMs = tsMs

	s.logger.WithField("block", uint64(lastCommitted)).Info("jump starting the system")

	if err := s.proposeNextBlockLocked(ts, tsMs); err != nil {
		return err
	}

	// replay outgoing messages for the in-flight height
	if _, err := s.store.GetProposalVector(lastCommitted + 1); err == nil {
		msgs, err := s.store.GetOutgoingMsgs(lastCommitted + 1)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if s.net != nil {
				if err := s.net.BroadcastMessage(m); err != nil {
					return err
				}
			}
		}
	} else if err != storage.ErrNotFound {
		return err
	}

	return nil
}

// PushTransaction accepts one client transaction into the pending pool.
func (s *Schain) PushTransaction(t *tx.Transaction) error {
	return s.pool.Push(t)
}
