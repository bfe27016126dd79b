package consensus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/utils/logging"
	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

// Finalizer receives the aggregator's terminal output for a height: the
// decided proposer and the recovered block threshold signature. Resolved
// after construction; the component graph is cyclic.
type Finalizer func(id types.BlockID, proposer types.SchainIndex, thresholdSig []byte)

// BlockConsensusAgent drives the N parallel binary consensus instances of
// each in-flight height, aggregates their decisions into the proposer
// choice, and collects the block threshold signature.
type BlockConsensusAgent struct {
	logger *logrus.Entry

	schainID  types.SchainID
	selfIndex types.SchainIndex
	n         int
	f         int

	cm  *crypto.Manager
	out Broadcaster

	mu       sync.Mutex
	blocks   map[types.BlockID]*blockState
	finalize Finalizer
}

type blockState struct {
	children  map[types.SchainIndex]*BinConsensus
	decisions map[types.SchainIndex]types.BinValue
	vector    *block.BooleanProposalVector

	started bool

	// once f+1 instances have decided and at least one decided 1,
	// late-started instances are forced to estimate 0
	forceZero bool

	// block sig shares: decided proposer -> signer -> share
	sigShares map[types.SchainIndex]map[types.SchainIndex][]byte

	completed bool
}

func NewBlockConsensusAgent(schainID types.SchainID, selfIndex types.SchainIndex,
	n int, cm *crypto.Manager) *BlockConsensusAgent {

	return &BlockConsensusAgent{
		logger: logging.Entry().WithField("component", "block-consensus").
			WithField("index", uint64(selfIndex)),
		schainID:  schainID,
		selfIndex: selfIndex,
		n:         n,
		f:         crypto.MaxFaulty(n),
		cm:        cm,
		blocks:    make(map[types.BlockID]*blockState),
	}
}

// SetBroadcaster resolves the transport back reference.
func (a *BlockConsensusAgent) SetBroadcaster(b Broadcaster) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.out = b
}

// SetFinalizer resolves the back reference to the orchestrator.
func (a *BlockConsensusAgent) SetFinalizer(f Finalizer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalize = f
}

func (a *BlockConsensusAgent) blockState(id types.BlockID) *blockState {
	bs, ok := a.blocks[id]
	if !ok {
		bs = &blockState{
			children:  make(map[types.SchainIndex]*BinConsensus),
			decisions: make(map[types.SchainIndex]types.BinValue),
			sigShares: make(map[types.SchainIndex]map[types.SchainIndex][]byte),
		}
		a.blocks[id] = bs
	}
	return bs
}

// child returns the binary instance for key, creating it on demand.
// Instances created after the force-zero condition start at estimate 0.
func (a *BlockConsensusAgent) child(id types.BlockID, bs *blockState, idx types.SchainIndex) *BinConsensus {
	inst, ok := bs.children[idx]
	if !ok {
		key := types.ProtocolKey{BlockID: id, ProposerIndex: idx}
		inst = NewBinConsensus(a.schainID, key, a.selfIndex, a.n, a.cm, a.out,
			a.childDecidedLocked)
		bs.children[idx] = inst

		if bs.started && bs.forceZero {
			inst.Start(types.BinZero)
		}
	}
	return inst
}

// RouteAndProcessMessage is the single entry point from the orchestrator's
// message thread.
func (a *BlockConsensusAgent) RouteAndProcessMessage(item Item) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch it := item.(type) {
	case *ProposalItem:
		a.startConsensusLocked(it.BlockID, it.Vector)

	case *NetworkItem:
		m := it.Env.Msg
		bs := a.blockState(m.BlockID)
		if bs.completed {
			return
		}

		switch m.Type {
		case network.MsgTypeBVBroadcast, network.MsgTypeAUXBroadcast:
			if m.ProposerIndex == 0 || m.ProposerIndex > types.SchainIndex(a.n) {
				a.logger.WithField("proposer", uint64(m.ProposerIndex)).
					Debug("dropping message with corrupt protocol key")
				return
			}
			a.child(m.BlockID, bs, m.ProposerIndex).ProcessMessage(it.Env)
		case network.MsgTypeBlockSigBroadcast:
			if m.ProposerIndex > types.SchainIndex(a.n) {
				return
			}
			a.handleBlockSigLocked(m.BlockID, bs, m.ProposerIndex,
				it.Env.Sender.SchainIndex, m.SigShare)
		}
	}
}

// startConsensusLocked launches the N instances for a height; instance i's
// estimate is 1 iff proposer i had a DA proof when the vector was built.
func (a *BlockConsensusAgent) startConsensusLocked(id types.BlockID, vector *block.BooleanProposalVector) {
	bs := a.blockState(id)
	if bs.started || bs.completed {
		return
	}
	bs.vector = vector
	bs.started = true

	for i := types.SchainIndex(1); i <= types.SchainIndex(a.n); i++ {
		est := types.BinZero
		if vector.HasProposal(i) {
			est = types.BinOne
		}
		a.child(id, bs, i).Start(est)
	}
}

// childDecidedLocked is the BinConsensus decision callback; runs with the
// agent lock held.
func (a *BlockConsensusAgent) childDecidedLocked(d *ChildBVDecided) {
	bs := a.blockState(d.Key.BlockID)
	if bs.completed {
		return
	}

	if _, ok := bs.decisions[d.Key.ProposerIndex]; ok {
		return
	}
	bs.decisions[d.Key.ProposerIndex] = d.Value

	a.logger.WithFields(logging.Fields{
		"block":      uint64(d.Key.BlockID),
		"proposer":   uint64(d.Key.ProposerIndex),
		"value":      d.Value,
		"round":      uint64(d.Round),
		"elapsed_ms": d.ElapsedMs,
	}).Debug("child decided")

	a.applyForceZeroLocked(d.Key.BlockID, bs)

	if len(bs.decisions) == a.n {
		a.vectorCompleteLocked(d.Key.BlockID, bs)
	}
}

// applyForceZeroLocked drives liveness: once f+1 positions are known and at
// least one is 1, every instance that has not yet started estimates 0.
func (a *BlockConsensusAgent) applyForceZeroLocked(id types.BlockID, bs *blockState) {
	if bs.forceZero || len(bs.decisions) < a.f+1 {
		return
	}

	haveOne := false
	for _, v := range bs.decisions {
		if v == types.BinOne {
			haveOne = true
			break
		}
	}
	if !haveOne {
		return
	}

	bs.forceZero = true
	for _, inst := range bs.children {
		if !inst.Started() && !inst.Decided() {
			inst.Start(types.BinZero)
		}
	}
}

// vectorCompleteLocked selects the committed proposer (smallest index that
// decided 1; index 0 = empty block) and broadcasts our block sig share.
func (a *BlockConsensusAgent) vectorCompleteLocked(id types.BlockID, bs *blockState) {
	proposer := types.SchainIndex(0)
	for i := types.SchainIndex(1); i <= types.SchainIndex(a.n); i++ {
		if bs.decisions[i] == types.BinOne {
			proposer = i
			break
		}
	}

	a.logger.WithFields(logging.Fields{
		"block":    uint64(id),
		"proposer": uint64(proposer),
	}).Info("BLOCK_DECIDED")

	digest := crypto.BlockSigDigest(a.schainID, id, proposer)
	share, err := a.cm.SignShare(digest)
	if err != nil {
		a.logger.WithError(err).Error("signing block sig share")
		return
	}

	m := &network.NetworkMessage{
		BlockID:       id,
		ProposerIndex: proposer,
		Type:          network.MsgTypeBlockSigBroadcast,
		Value:         types.BinOne,
		SigShare:      share.Data,
	}
	if err := a.out.BroadcastMessage(m); err != nil {
		a.logger.WithError(err).Error("broadcasting block sig share")
		return
	}

	a.addBlockSigShareLocked(id, bs, proposer, a.selfIndex, share.Data)
}

func (a *BlockConsensusAgent) handleBlockSigLocked(id types.BlockID, bs *blockState,
	proposer types.SchainIndex, signer types.SchainIndex, share []byte) {

	digest := crypto.BlockSigDigest(a.schainID, id, proposer)
	if err := a.cm.VerifyShare(digest, share); err != nil {
		a.logger.WithError(err).Debug("dropping block sig share")
		return
	}

	a.addBlockSigShareLocked(id, bs, proposer, signer, share)
}

func (a *BlockConsensusAgent) addBlockSigShareLocked(id types.BlockID, bs *blockState,
	proposer types.SchainIndex, signer types.SchainIndex, share []byte) {

	if bs.completed {
		return
	}

	shares, ok := bs.sigShares[proposer]
	if !ok {
		shares = make(map[types.SchainIndex][]byte)
		bs.sigShares[proposer] = shares
	}
	shares[signer] = share

	if len(shares) < 2*a.f+1 {
		return
	}

	digest := crypto.BlockSigDigest(a.schainID, id, proposer)
	all := make([][]byte, 0, len(shares))
	for _, s := range shares {
		all = append(all, s)
	}

	sig, err := a.cm.Recover(digest, all)
	if err != nil {
		a.logger.WithError(err).Error("recovering block threshold signature")
		return
	}

	bs.completed = true

	// the finalizer re-enters the agent on commit; hand off outside the lock
	if a.finalize != nil {
		go a.finalize(id, proposer, sig)
	}
}

// Round reports the local round for postOrDefer's lookahead policy.
func (a *BlockConsensusAgent) Round(key types.ProtocolKey) types.Round {
	a.mu.Lock()
	defer a.mu.Unlock()

	bs, ok := a.blocks[key.BlockID]
	if !ok {
		return 0
	}
	inst, ok := bs.children[key.ProposerIndex]
	if !ok {
		return 0
	}
	return inst.Round()
}

// IsDecided reports instance termination for postOrDefer.
func (a *BlockConsensusAgent) IsDecided(key types.ProtocolKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	bs, ok := a.blocks[key.BlockID]
	if !ok {
		return false
	}
	if bs.completed {
		return true
	}
	inst, ok := bs.children[key.ProposerIndex]
	if !ok {
		return false
	}
	return inst.Decided()
}

// BlockCommitted destroys protocol state up to and including id.
func (a *BlockConsensusAgent) BlockCommitted(id types.BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for bid := range a.blocks {
		if bid <= id {
			delete(a.blocks, bid)
		}
	}
}
