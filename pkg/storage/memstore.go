package storage

import (
	"sort"
	"sync"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

var _ Store = (*MemStore)(nil)

type proposalKey struct {
	id  types.BlockID
	idx types.SchainIndex
}

type shareKey struct {
	id     types.BlockID
	idx    types.SchainIndex
	signer types.SchainIndex
}

// MemStore keeps everything in maps. Used by tests and by throwaway
// single-process clusters.
type MemStore struct {
	mu sync.Mutex

	blocks        map[types.BlockID]*block.CommittedBlock
	lastCommitted types.BlockID

	proposals      map[proposalKey]*block.BlockProposal
	proposalHashes map[proposalKey]crypto.Hash

	daShares map[shareKey][]byte
	daProofs map[proposalKey]*block.DAProof

	vectors map[types.BlockID]*block.BooleanProposalVector

	outgoing map[types.BlockID][]*network.NetworkMessage

	prices map[types.BlockID]uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		blocks:         make(map[types.BlockID]*block.CommittedBlock),
		proposals:      make(map[proposalKey]*block.BlockProposal),
		proposalHashes: make(map[proposalKey]crypto.Hash),
		daShares:       make(map[shareKey][]byte),
		daProofs:       make(map[proposalKey]*block.DAProof),
		vectors:        make(map[types.BlockID]*block.BooleanProposalVector),
		outgoing:       make(map[types.BlockID][]*network.NetworkMessage),
		prices:         make(map[types.BlockID]uint64),
	}
}

func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) SaveBlock(b *block.CommittedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[b.BlockID()] = b
	if b.BlockID() > s.lastCommitted {
		s.lastCommitted = b.BlockID()
	}
	return nil
}

func (s *MemStore) GetBlock(id types.BlockID) (*block.CommittedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MemStore) LastCommittedBlockID() (types.BlockID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastCommitted, nil
}

func (s *MemStore) SaveProposal(p *block.BlockProposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.proposals[proposalKey{p.BlockID(), p.ProposerIndex()}] = p
	return nil
}

func (s *MemStore) GetProposal(id types.BlockID, idx types.SchainIndex) (*block.BlockProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[proposalKey{id, idx}]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) CheckAndSaveProposalHash(id types.BlockID, idx types.SchainIndex, h crypto.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := proposalKey{id, idx}
	if _, ok := s.proposalHashes[k]; ok {
		return false, nil
	}
	s.proposalHashes[k] = h
	return true, nil
}

func (s *MemStore) HaveProposalHash(id types.BlockID, idx types.SchainIndex) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.proposalHashes[proposalKey{id, idx}]
	return ok, nil
}

func (s *MemStore) SaveDASigShare(id types.BlockID, idx types.SchainIndex, signer types.SchainIndex, share []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.daShares[shareKey{id, idx, signer}] = share

	count := 0
	for k := range s.daShares {
		if k.id == id && k.idx == idx {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) GetDASigShares(id types.BlockID, idx types.SchainIndex) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var signers []types.SchainIndex
	for k := range s.daShares {
		if k.id == id && k.idx == idx {
			signers = append(signers, k.signer)
		}
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })

	out := make([][]byte, 0, len(signers))
	for _, signer := range signers {
		out = append(out, s.daShares[shareKey{id, idx, signer}])
	}
	return out, nil
}

func (s *MemStore) SaveDAProof(p *block.DAProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.daProofs[proposalKey{p.BlockID, p.ProposerIndex}] = p
	return nil
}

func (s *MemStore) GetDAProof(id types.BlockID, idx types.SchainIndex) (*block.DAProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.daProofs[proposalKey{id, idx}]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) HaveDAProof(id types.BlockID, idx types.SchainIndex) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.daProofs[proposalKey{id, idx}]
	return ok, nil
}

func (s *MemStore) DAProofIndexes(id types.BlockID) ([]types.SchainIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.SchainIndex
	for k := range s.daProofs {
		if k.id == id {
			out = append(out, k.idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) SaveProposalVector(id types.BlockID, v *block.BooleanProposalVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vectors[id] = v
	return nil
}

func (s *MemStore) GetProposalVector(id types.BlockID) (*block.BooleanProposalVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vectors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemStore) SaveOutgoingMsg(m *network.NetworkMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outgoing[m.BlockID] = append(s.outgoing[m.BlockID], m)
	return nil
}

func (s *MemStore) GetOutgoingMsgs(id types.BlockID) ([]*network.NetworkMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.outgoing[id], nil
}

func (s *MemStore) SavePrice(id types.BlockID, price uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[id] = price
	return nil
}

func (s *MemStore) GetPrice(id types.BlockID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prices[id]
	if !ok {
		return 0, ErrNotFound
	}
	return p, nil
}
