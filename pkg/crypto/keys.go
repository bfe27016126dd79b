package crypto

import (
	"github.com/drand/kyber"
	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
)

var suite = bls12381.NewBLS12381Suite()

// KeyShare is one validator's private key material: its share of the
// subchain threshold key plus its individual signing key. Distributed
// out-of-band as base64 msgpack in the node config.
type KeyShare struct {
	Index    uint32 `msgpack:"i"`
	PriShare []byte `msgpack:"s"`
	NodeKey  []byte `msgpack:"k"`
}

// PublicMaterial is the shared public side: the threshold public polynomial
// commitments and every validator's individual public key, ordered by
// schain index.
type PublicMaterial struct {
	Commits  [][]byte `msgpack:"c"`
	NodePubs [][]byte `msgpack:"p"`
}

// MaxFaulty is the tolerated Byzantine node count for an n-validator chain.
func MaxFaulty(n int) int {
	return (n - 1) / 3
}

// RequiredShares is the 2f+1 threshold for an n-validator chain.
func RequiredShares(n int) int {
	return 2*MaxFaulty(n) + 1
}

// GenerateKeyMaterial creates fresh key material for an n-validator chain
// with threshold 2f+1. Used by the key generation command and test
// fixtures; production deployments run DKG out-of-band.
func GenerateKeyMaterial(n int) ([]*KeyShare, *PublicMaterial, error) {
	if n < 1 {
		return nil, nil, errors.Wrap(errs.ErrInvalidArgument, "node count")
	}

	t := RequiredShares(n)

	priPoly := share.NewPriPoly(suite.G1(), t, nil, random.New())
	pubPoly := priPoly.Commit(suite.G1().Point().Base())

	pub := &PublicMaterial{}
	_, commits := pubPoly.Info()
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshaling poly commit")
		}
		pub.Commits = append(pub.Commits, b)
	}

	shares := make([]*KeyShare, 0, n)
	for i, ps := range priPoly.Shares(n) {
		sb, err := ps.V.MarshalBinary()
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshaling pri share")
		}

		nodeKey := suite.G1().Scalar().Pick(random.New())
		nkb, err := nodeKey.MarshalBinary()
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshaling node key")
		}

		nodePub := suite.G1().Point().Mul(nodeKey, nil)
		npb, err := nodePub.MarshalBinary()
		if err != nil {
			return nil, nil, errors.Wrap(err, "marshaling node pub")
		}
		pub.NodePubs = append(pub.NodePubs, npb)

		shares = append(shares, &KeyShare{
			Index:    uint32(i + 1),
			PriShare: sb,
			NodeKey:  nkb,
		})
	}

	return shares, pub, nil
}

func unmarshalScalar(b []byte) (kyber.Scalar, error) {
	s := suite.G1().Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "unmarshaling scalar")
	}
	return s, nil
}

func unmarshalPoint(b []byte) (kyber.Point, error) {
	p := suite.G1().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "unmarshaling point")
	}
	return p, nil
}
