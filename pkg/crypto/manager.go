package crypto

import (
	"encoding/binary"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/sign/tbls"
	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/types"
)

// verifyWorkers bounds concurrent pairing checks; each one is CPU-heavy.
const verifyWorkers = 4

// SigShare is one validator's share of a threshold signature.
type SigShare struct {
	Signer types.SchainIndex
	Data   []byte
}

// Manager holds a node's key material and performs every signing and
// verification operation of the engine: proposer signatures, DA and block
// sig shares, threshold recovery, and the common coin.
type Manager struct {
	n int

	thresh sign.ThresholdScheme
	sig    sign.Scheme

	priShare *share.PriShare
	pubPoly  *share.PubPoly

	nodeKey  kyber.Scalar
	nodePubs map[types.SchainIndex]kyber.Point

	verifySem chan struct{}
}

func NewManager(ks *KeyShare, pub *PublicMaterial, n int) (*Manager, error) {
	if len(pub.NodePubs) != n {
		return nil, errors.Wrapf(errs.ErrInvalidArgument,
			"have %d node pubs for %d nodes", len(pub.NodePubs), n)
	}

	priScalar, err := unmarshalScalar(ks.PriShare)
	if err != nil {
		return nil, err
	}

	nodeKey, err := unmarshalScalar(ks.NodeKey)
	if err != nil {
		return nil, err
	}

	commits := make([]kyber.Point, 0, len(pub.Commits))
	for _, cb := range pub.Commits {
		c, err := unmarshalPoint(cb)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}

	nodePubs := make(map[types.SchainIndex]kyber.Point, n)
	for i, pb := range pub.NodePubs {
		p, err := unmarshalPoint(pb)
		if err != nil {
			return nil, err
		}
		nodePubs[types.SchainIndex(i+1)] = p
	}

	return &Manager{
		n:         n,
		thresh:    tbls.NewThresholdSchemeOnG2(suite),
		sig:       bls.NewSchemeOnG2(suite),
		priShare:  &share.PriShare{I: int(ks.Index) - 1, V: priScalar},
		pubPoly:   share.NewPubPoly(suite.G1(), suite.G1().Point().Base(), commits),
		nodeKey:   nodeKey,
		nodePubs:  nodePubs,
		verifySem: make(chan struct{}, verifyWorkers),
	}, nil
}

func (m *Manager) NodeCount() int {
	return m.n
}

func (m *Manager) RequiredShares() int {
	return RequiredShares(m.n)
}

// SignProposal signs a proposal hash with this node's individual key.
func (m *Manager) SignProposal(h Hash) ([]byte, error) {
	s, err := m.sig.Sign(m.nodeKey, h[:])
	if err != nil {
		return nil, errors.Wrap(err, "signing proposal")
	}
	return s, nil
}

// VerifyProposalSig checks a proposer's signature over a proposal hash.
func (m *Manager) VerifyProposalSig(idx types.SchainIndex, h Hash, sig []byte) error {
	pub, ok := m.nodePubs[idx]
	if !ok {
		return errors.Wrapf(errs.ErrInvalidArgument, "unknown schain index %d", idx)
	}

	m.verifySem <- struct{}{}
	defer func() { <-m.verifySem }()

	if err := m.sig.Verify(pub, h[:], sig); err != nil {
		return errors.Wrap(err, "verifying proposal signature")
	}
	return nil
}

// SignShare produces this node's threshold signature share over h.
func (m *Manager) SignShare(h Hash) (*SigShare, error) {
	s, err := m.thresh.Sign(m.priShare, h[:])
	if err != nil {
		return nil, errors.Wrap(err, "signing share")
	}

	return &SigShare{
		Signer: types.SchainIndex(m.priShare.I + 1),
		Data:   s,
	}, nil
}

// VerifyShare checks one threshold share against the public polynomial.
// Runs on the bounded verification pool.
func (m *Manager) VerifyShare(h Hash, s []byte) error {
	m.verifySem <- struct{}{}
	defer func() { <-m.verifySem }()

	if err := m.thresh.VerifyPartial(m.pubPoly, h[:], s); err != nil {
		return errors.Wrap(err, "verifying sig share")
	}
	return nil
}

// ShareSigner extracts the 1-based signer index embedded in a share.
func (m *Manager) ShareSigner(s []byte) (types.SchainIndex, error) {
	i, err := m.thresh.IndexOf(s)
	if err != nil {
		return 0, errors.Wrap(errs.ErrInvalidMessageFormat, "sig share index")
	}
	return types.SchainIndex(i + 1), nil
}

// Recover combines 2f+1 verified shares into the threshold signature.
func (m *Manager) Recover(h Hash, shares [][]byte) ([]byte, error) {
	sig, err := m.thresh.Recover(m.pubPoly, h[:], shares, m.RequiredShares(), m.n)
	if err != nil {
		return nil, errors.Wrap(err, "recovering threshold signature")
	}
	return sig, nil
}

// VerifyThreshold checks a recovered threshold signature over h.
func (m *Manager) VerifyThreshold(h Hash, sig []byte) error {
	m.verifySem <- struct{}{}
	defer func() { <-m.verifySem }()

	if err := m.thresh.VerifyRecovered(m.pubPoly.Commit(), h[:], sig); err != nil {
		return errors.Wrap(err, "verifying threshold signature")
	}
	return nil
}

// CoinSeed is the fixed per-round message the common coin is derived from.
// Every node signs the same seed; once 2f+1 shares exist the recovered
// signature is deterministic and the low bit of its digest is the coin.
func CoinSeed(schainID types.SchainID, key types.ProtocolKey, round types.Round) Hash {
	var buf [4 * 8]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(schainID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(key.BlockID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(key.ProposerIndex))
	binary.LittleEndian.PutUint64(buf[24:], uint64(round))

	return Digest([]byte("bin-consensus-coin"), buf[:])
}

// CoinFromSignature maps a recovered coin signature to a binary value.
func CoinFromSignature(sig []byte) types.BinValue {
	d := Digest(sig)
	return types.BinValue(d[len(d)-1] & 1)
}

// BlockSigDigest is the message signed by the block threshold signature
// that finalizes a decided block.
func BlockSigDigest(schainID types.SchainID, blockID types.BlockID, proposerIndex types.SchainIndex) Hash {
	var buf [3 * 8]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(schainID))
	binary.LittleEndian.PutUint64(buf[8:], uint64(blockID))
	binary.LittleEndian.PutUint64(buf[16:], uint64(proposerIndex))

	return Digest([]byte("block-sig"), buf[:])
}
