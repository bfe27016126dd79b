package consensus

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/utils/logging"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

// BinConsensus is one ABBA instance, addressed by its ProtocolKey. Rounds
// of BV-broadcast and AUX-broadcast run until a value in {0,1} is decided;
// the decision is final and later messages are ignored.
//
// All methods are called from the aggregator with its lock held; the
// instance itself carries no locking.
type BinConsensus struct {
	logger *logrus.Entry

	schainID  types.SchainID
	key       types.ProtocolKey
	selfIndex types.SchainIndex
	n         int
	f         int

	cm  *crypto.Manager
	out Broadcaster

	// invoked on decision, with the aggregator lock held
	onDecided func(*ChildBVDecided)

	started   bool
	round     types.Round
	est       types.BinValue
	decided   bool
	decidedAt types.BinValue
	startTime time.Time

	rounds map[types.Round]*roundState
}

type auxVote struct {
	value types.BinValue

	// the sender's coin share for this round
	share []byte
}

type roundState struct {
	// BVB senders per value
	bvSeen map[types.BinValue]map[types.SchainIndex]struct{}

	// our own BVB echoes already sent
	bvSent map[types.BinValue]bool

	// values with 2f+1 BVB support
	binValues map[types.BinValue]bool

	auxSent bool
	aux     map[types.SchainIndex]auxVote
}

func newRoundState() *roundState {
	return &roundState{
		bvSeen: map[types.BinValue]map[types.SchainIndex]struct{}{
			types.BinZero: {},
			types.BinOne:  {},
		},
		bvSent:    make(map[types.BinValue]bool),
		binValues: make(map[types.BinValue]bool),
		aux:       make(map[types.SchainIndex]auxVote),
	}
}

func NewBinConsensus(schainID types.SchainID, key types.ProtocolKey,
	selfIndex types.SchainIndex, n int, cm *crypto.Manager, out Broadcaster,
	onDecided func(*ChildBVDecided)) *BinConsensus {

	return &BinConsensus{
		logger: logging.Entry().WithField("component", "bin-consensus").
			WithField("key", key.String()),
		schainID:  schainID,
		key:       key,
		selfIndex: selfIndex,
		n:         n,
		f:         crypto.MaxFaulty(n),
		cm:        cm,
		out:       out,
		onDecided: onDecided,
		est:       types.BinNone,
		rounds:    make(map[types.Round]*roundState),
	}
}

func (bc *BinConsensus) Round() types.Round {
	return bc.round
}

func (bc *BinConsensus) Decided() bool {
	return bc.decided
}

func (bc *BinConsensus) DecidedValue() types.BinValue {
	return bc.decidedAt
}

func (bc *BinConsensus) Started() bool {
	return bc.started
}

func (bc *BinConsensus) roundState(r types.Round) *roundState {
	rs, ok := bc.rounds[r]
	if !ok {
		rs = newRoundState()
		bc.rounds[r] = rs
	}
	return rs
}

// Start begins round 0 with the given estimate. Instances created on
// demand by inbound messages buffer until the aggregator starts them.
func (bc *BinConsensus) Start(est types.BinValue) {
	if bc.started || bc.decided {
		return
	}
	bc.started = true
	bc.startTime = time.Now()
	bc.est = est

	bc.broadcastBVB(0, est)
	bc.reevaluate(0)
}

// ProcessMessage handles one BVB or AUX datagram. Decided instances ignore
// everything.
func (bc *BinConsensus) ProcessMessage(env *network.Envelope) {
	if bc.decided {
		return
	}

	m := env.Msg
	if !m.Value.Valid() {
		bc.logger.WithField("value", m.Value).Debug("dropping message with bad bin value")
		return
	}

	switch m.Type {
	case network.MsgTypeBVBroadcast:
		bc.handleBVB(env.Sender.SchainIndex, m.Round, m.Value)
	case network.MsgTypeAUXBroadcast:
		bc.handleAUX(env.Sender.SchainIndex, m.Round, m.Value, m.SigShare)
	}
}

func (bc *BinConsensus) handleBVB(sender types.SchainIndex, r types.Round, v types.BinValue) {
	rs := bc.roundState(r)
	rs.bvSeen[v][sender] = struct{}{}

	bc.applyBVThresholds(r)
	bc.tryDecide(r)
}

func (bc *BinConsensus) handleAUX(sender types.SchainIndex, r types.Round, v types.BinValue, share []byte) {
	seed := crypto.CoinSeed(bc.schainID, bc.key, r)
	if err := bc.cm.VerifyShare(seed, share); err != nil {
		bc.logger.WithError(err).Debug("dropping AUX with bad coin share")
		return
	}

	rs := bc.roundState(r)
	if _, ok := rs.aux[sender]; !ok {
		rs.aux[sender] = auxVote{value: v, share: share}
	}

	bc.tryDecide(r)
}

// applyBVThresholds runs the BV-broadcast rules for a round: echo after
// f+1, admit to bin_values after 2f+1, AUX once bin_values is nonempty.
func (bc *BinConsensus) applyBVThresholds(r types.Round) {
	rs := bc.roundState(r)

	for _, v := range []types.BinValue{types.BinZero, types.BinOne} {
		if len(rs.bvSeen[v]) >= bc.f+1 && !rs.bvSent[v] && bc.started {
			bc.broadcastBVB(r, v)
		}
		if len(rs.bvSeen[v]) >= 2*bc.f+1 {
			rs.binValues[v] = true
		}
	}

	if bc.started && r == bc.round && len(rs.binValues) > 0 && !rs.auxSent {
		// AUX-broadcast one element of bin_values
		var w types.BinValue
		for v := range rs.binValues {
			w = v
			break
		}
		bc.broadcastAUX(r, w)
	}
}

// tryDecide runs the round-end rule once 2f+1 AUX votes with values inside
// bin_values are in: derive the coin, then decide or advance.
func (bc *BinConsensus) tryDecide(r types.Round) {
	if !bc.started || bc.decided || r != bc.round {
		return
	}

	rs := bc.roundState(r)
	if len(rs.binValues) == 0 {
		return
	}

	vals := make(map[types.BinValue]bool)
	var shares [][]byte
	for _, vote := range rs.aux {
		if !rs.binValues[vote.value] {
			continue
		}
		vals[vote.value] = true
		shares = append(shares, vote.share)
	}

	if len(shares) < 2*bc.f+1 {
		return
	}

	coin, err := bc.deriveCoin(r, shares)
	if err != nil {
		bc.logger.WithError(err).Error("deriving round coin")
		return
	}

	if len(vals) == 1 {
		var v types.BinValue
		for only := range vals {
			v = only
		}

		if v == coin {
			bc.decide(v, r)
			return
		}
		bc.est = v
	} else {
		bc.est = coin
	}

	bc.advanceRound()
}

// deriveCoin recovers the threshold signature over the round seed and maps
// it to a bit. Deterministic once 2f+1 shares exist, unpredictable before.
func (bc *BinConsensus) deriveCoin(r types.Round, shares [][]byte) (types.BinValue, error) {
	seed := crypto.CoinSeed(bc.schainID, bc.key, r)

	sig, err := bc.cm.Recover(seed, shares)
	if err != nil {
		return types.BinNone, err
	}

	return crypto.CoinFromSignature(sig), nil
}

func (bc *BinConsensus) advanceRound() {
	bc.round++
	bc.broadcastBVB(bc.round, bc.est)

	// messages for this round may have arrived under the one-round
	// lookahead; re-run the thresholds against them
	bc.reevaluate(bc.round)
}

func (bc *BinConsensus) reevaluate(r types.Round) {
	bc.applyBVThresholds(r)
	bc.tryDecide(r)
}

func (bc *BinConsensus) decide(v types.BinValue, r types.Round) {
	bc.decided = true
	bc.decidedAt = v

	elapsed := uint64(time.Since(bc.startTime).Milliseconds())
	bc.logger.WithFields(logging.Fields{
		"value":      v,
		"round":      uint64(r),
		"elapsed_ms": elapsed,
	}).Debug("BIN_CONSENSUS_DECIDED")

	bc.onDecided(&ChildBVDecided{
		Key:       bc.key,
		Value:     v,
		Round:     r,
		ElapsedMs: elapsed,
	})
}

func (bc *BinConsensus) broadcastBVB(r types.Round, v types.BinValue) {
	rs := bc.roundState(r)
	if rs.bvSent[v] {
		return
	}
	rs.bvSent[v] = true

	m := &network.NetworkMessage{
		BlockID:       bc.key.BlockID,
		ProposerIndex: bc.key.ProposerIndex,
		Type:          network.MsgTypeBVBroadcast,
		Round:         r,
		Value:         v,
	}
	if err := bc.out.BroadcastMessage(m); err != nil {
		bc.logger.WithError(err).Error("broadcasting BVB")
		return
	}

	// count our own broadcast
	rs.bvSeen[v][bc.selfIndex] = struct{}{}
}

func (bc *BinConsensus) broadcastAUX(r types.Round, w types.BinValue) {
	rs := bc.roundState(r)
	if rs.auxSent {
		return
	}

	seed := crypto.CoinSeed(bc.schainID, bc.key, r)
	share, err := bc.cm.SignShare(seed)
	if err != nil {
		bc.logger.WithError(err).Error("signing coin share")
		return
	}

	m := &network.NetworkMessage{
		BlockID:       bc.key.BlockID,
		ProposerIndex: bc.key.ProposerIndex,
		Type:          network.MsgTypeAUXBroadcast,
		Round:         r,
		Value:         w,
		SigShare:      share.Data,
	}
	if err := bc.out.BroadcastMessage(m); err != nil {
		bc.logger.WithError(err).Error("broadcasting AUX")
		return
	}

	rs.auxSent = true
	rs.aux[bc.selfIndex] = auxVote{value: w, share: share.Data}
}
