package storage

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

const cacheSize = 1 << 20 * 100

var _ Store = (*PebbleStore)(nil)

// PebbleStore is the production Store, one pebble DB namespaced by typed
// key prefixes. Pebble's WAL provides crash safety; no cross-namespace
// transactions are needed.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	c := pebble.NewCache(cacheSize)
	defer c.Unref()

	db, err := pebble.Open(path, &pebble.Options{Cache: c})
	if err != nil {
		return nil, errors.Wrap(err, "opening block store")
	}

	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	v, done, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer done.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *PebbleStore) SaveBlock(b *block.CommittedBlock) error {
	sb, err := b.Serialize()
	if err != nil {
		return err
	}

	var last [8]byte
	binary.BigEndian.PutUint64(last[:], uint64(b.BlockID()))

	// block bytes and the last-committed pointer land atomically
	batch := s.db.NewBatch()
	if err := batch.Set(typedKey(blockTPrefix, uint64(b.BlockID())), sb, nil); err != nil {
		return err
	}
	if err := batch.Set(typedKey(lastCommittedTPrefix), last[:], nil); err != nil {
		return err
	}

	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return errors.Wrap(err, "committing block batch")
	}
	return nil
}

func (s *PebbleStore) GetBlock(id types.BlockID) (*block.CommittedBlock, error) {
	v, err := s.get(typedKey(blockTPrefix, uint64(id)))
	if err != nil {
		return nil, err
	}
	return block.Deserialize(v)
}

func (s *PebbleStore) LastCommittedBlockID() (types.BlockID, error) {
	v, err := s.get(typedKey(lastCommittedTPrefix))
	if err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return types.BlockID(binary.BigEndian.Uint64(v)), nil
}

func (s *PebbleStore) SaveProposal(p *block.BlockProposal) error {
	sb, err := block.MakeCommitted(p, nil).Serialize()
	if err != nil {
		return err
	}

	key := typedKey(proposalTPrefix, uint64(p.BlockID()), uint64(p.ProposerIndex()))
	return s.db.Set(key, sb, pebble.Sync)
}

func (s *PebbleStore) GetProposal(id types.BlockID, idx types.SchainIndex) (*block.BlockProposal, error) {
	v, err := s.get(typedKey(proposalTPrefix, uint64(id), uint64(idx)))
	if err != nil {
		return nil, err
	}

	b, err := block.Deserialize(v)
	if err != nil {
		return nil, err
	}
	return b.BlockProposal, nil
}

func (s *PebbleStore) CheckAndSaveProposalHash(id types.BlockID, idx types.SchainIndex, h crypto.Hash) (bool, error) {
	key := typedKey(proposalHashTPrefix, uint64(id), uint64(idx))

	if _, err := s.get(key); err == nil {
		return false, nil
	} else if err != ErrNotFound {
		return false, err
	}

	if err := s.db.Set(key, []byte(h.Hex()), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) HaveProposalHash(id types.BlockID, idx types.SchainIndex) (bool, error) {
	_, err := s.get(typedKey(proposalHashTPrefix, uint64(id), uint64(idx)))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) SaveDASigShare(id types.BlockID, idx types.SchainIndex, signer types.SchainIndex, share []byte) (int, error) {
	key := typedKey(daShareTPrefix, uint64(id), uint64(idx), uint64(signer))
	if err := s.db.Set(key, share, pebble.NoSync); err != nil {
		return 0, err
	}

	shares, err := s.GetDASigShares(id, idx)
	if err != nil {
		return 0, err
	}
	return len(shares), nil
}

func (s *PebbleStore) GetDASigShares(id types.BlockID, idx types.SchainIndex) ([][]byte, error) {
	prefix := typedKey(daShareTPrefix, uint64(id), uint64(idx))

	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out = append(out, v)
	}
	return out, nil
}

func (s *PebbleStore) SaveDAProof(p *block.DAProof) error {
	v, err := msgpack.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshaling da proof")
	}

	key := typedKey(daProofTPrefix, uint64(p.BlockID), uint64(p.ProposerIndex))
	return s.db.Set(key, v, pebble.Sync)
}

func (s *PebbleStore) GetDAProof(id types.BlockID, idx types.SchainIndex) (*block.DAProof, error) {
	v, err := s.get(typedKey(daProofTPrefix, uint64(id), uint64(idx)))
	if err != nil {
		return nil, err
	}

	p := &block.DAProof{}
	if err := msgpack.Unmarshal(v, p); err != nil {
		return nil, errors.Wrap(err, "unmarshaling da proof")
	}
	return p, nil
}

func (s *PebbleStore) HaveDAProof(id types.BlockID, idx types.SchainIndex) (bool, error) {
	_, err := s.get(typedKey(daProofTPrefix, uint64(id), uint64(idx)))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PebbleStore) DAProofIndexes(id types.BlockID) ([]types.SchainIndex, error) {
	prefix := typedKey(daProofTPrefix, uint64(id))

	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var out []types.SchainIndex
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		idx := binary.BigEndian.Uint64(k[len(k)-8:])
		out = append(out, types.SchainIndex(idx))
	}
	return out, nil
}

func (s *PebbleStore) SaveProposalVector(id types.BlockID, v *block.BooleanProposalVector) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling proposal vector")
	}
	return s.db.Set(typedKey(vectorTPrefix, uint64(id)), b, pebble.Sync)
}

func (s *PebbleStore) GetProposalVector(id types.BlockID) (*block.BooleanProposalVector, error) {
	b, err := s.get(typedKey(vectorTPrefix, uint64(id)))
	if err != nil {
		return nil, err
	}

	v := &block.BooleanProposalVector{}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return nil, errors.Wrap(err, "unmarshaling proposal vector")
	}
	return v, nil
}

func (s *PebbleStore) SaveOutgoingMsg(m *network.NetworkMessage) error {
	frame, err := network.EncodeMessage(m)
	if err != nil {
		return err
	}

	key := typedKey(outMsgTPrefix, uint64(m.BlockID), uint64(m.MsgID))
	return s.db.Set(key, frame, pebble.NoSync)
}

func (s *PebbleStore) GetOutgoingMsgs(id types.BlockID) ([]*network.NetworkMessage, error) {
	prefix := typedKey(outMsgTPrefix, uint64(id))

	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	defer iter.Close()

	var out []*network.NetworkMessage
	for iter.First(); iter.Valid(); iter.Next() {
		m, err := network.DecodeMessage(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *PebbleStore) SavePrice(id types.BlockID, price uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], price)
	return s.db.Set(typedKey(priceTPrefix, uint64(id)), v[:], pebble.NoSync)
}

func (s *PebbleStore) GetPrice(id types.BlockID) (uint64, error) {
	v, err := s.get(typedKey(priceTPrefix, uint64(id)))
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}
