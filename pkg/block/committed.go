package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

// MaxHeaderSize bounds the JSON header region of a serialized block.
const MaxHeaderSize = 16 * 1024 * 1024

// blockHeader is the wire header of a serialized block:
// [u64 headerSize][headerSize bytes of JSON][concatenated tx payloads].
// The serialized form always has '{' at offset 8 and '}' as the last
// header byte.
type blockHeader struct {
	ProposerIndex  uint64   `json:"proposerIndex"`
	ProposerNodeID uint64   `json:"proposerNodeID"`
	BlockID        uint64   `json:"blockID"`
	SchainID       uint64   `json:"schainID"`
	TimeStamp      uint64   `json:"timeStamp"`
	TimeStampMs    uint32   `json:"timeStampMs"`
	StateRoot      uint64   `json:"stateRoot"`
	Hash           string   `json:"hash"`
	ProposerSig    string   `json:"proposerSig"`
	ThresholdSig   string   `json:"thresholdSig"`
	Sizes          []uint64 `json:"sizes"`
}

// CommittedBlock is a proposal plus the threshold signature that finalized
// its height.
type CommittedBlock struct {
	*BlockProposal

	thresholdSig []byte
}

func MakeCommitted(p *BlockProposal, thresholdSig []byte) *CommittedBlock {
	return &CommittedBlock{
		BlockProposal: p,
		thresholdSig:  thresholdSig,
	}
}

func (b *CommittedBlock) ThresholdSig() []byte {
	return b.thresholdSig
}

// VerifyThresholdSig recomputes the proposal hash over the block contents and
// then checks the finalizing signature. Structural parsing does not validate
// block contents; a corrupted block body is caught here.
func (b *CommittedBlock) VerifyThresholdSig(cm *crypto.Manager) error {
	if err := b.VerifyHash(); err != nil {
		return err
	}
	d := crypto.BlockSigDigest(b.schainID, b.blockID, b.proposerIndex)
	return cm.VerifyThreshold(d, b.thresholdSig)
}

func (b *CommittedBlock) Serialize() ([]byte, error) {
	hdr := blockHeader{
		ProposerIndex:  uint64(b.proposerIndex),
		ProposerNodeID: uint64(b.proposerNodeID),
		BlockID:        uint64(b.blockID),
		SchainID:       uint64(b.schainID),
		TimeStamp:      b.timeStamp,
		TimeStampMs:    b.timeStampMs,
		StateRoot:      b.stateRoot,
		Hash:           b.hash.Hex(),
		ProposerSig:    hex.EncodeToString(b.signature),
		ThresholdSig:   hex.EncodeToString(b.thresholdSig),
		Sizes:          b.txs.Sizes(),
	}

	hb, err := json.Marshal(&hdr)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling block header")
	}

	out := make([]byte, 8, 8+len(hb)+int(b.txs.ByteSize()))
	binary.LittleEndian.PutUint64(out, uint64(len(hb)))
	out = append(out, hb...)
	out = append(out, b.txs.Serialize()...)

	return out, nil
}

func Deserialize(data []byte) (*CommittedBlock, error) {
	if len(data) < 8+2 {
		return nil, errors.Wrapf(errs.ErrInvalidArgument,
			"serialized block too small: %d", len(data))
	}

	headerSize := binary.LittleEndian.Uint64(data)
	if headerSize < 2 || headerSize+8 > uint64(len(data)) {
		return nil, errors.Wrapf(errs.ErrInvalidArgument,
			"invalid header size %d", headerSize)
	}
	if headerSize > MaxHeaderSize {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "header size too large")
	}

	header := data[8 : 8+headerSize]
	if header[0] != '{' {
		return nil, errors.Wrap(errs.ErrInvalidArgument,
			"block header does not start with {")
	}
	if header[len(header)-1] != '}' {
		return nil, errors.Wrap(errs.ErrInvalidArgument,
			"block header does not end with }")
	}

	var hdr blockHeader
	if err := json.Unmarshal(header, &hdr); err != nil {
		return nil, errors.Wrap(errs.ErrParsing, err.Error())
	}

	hash, err := crypto.HashFromHex(hdr.Hash)
	if err != nil {
		return nil, err
	}

	proposerSig, err := hex.DecodeString(hdr.ProposerSig)
	if err != nil {
		return nil, errors.Wrap(errs.ErrParsing, "decoding proposer sig")
	}

	thresholdSig, err := hex.DecodeString(hdr.ThresholdSig)
	if err != nil {
		return nil, errors.Wrap(errs.ErrParsing, "decoding threshold sig")
	}

	txs, err := tx.DeserializeList(hdr.Sizes, data[8+headerSize:])
	if err != nil {
		return nil, err
	}

	p := &BlockProposal{
		schainID:       types.SchainID(hdr.SchainID),
		blockID:        types.BlockID(hdr.BlockID),
		proposerIndex:  types.SchainIndex(hdr.ProposerIndex),
		proposerNodeID: types.NodeID(hdr.ProposerNodeID),
		timeStamp:      hdr.TimeStamp,
		timeStampMs:    hdr.TimeStampMs,
		stateRoot:      hdr.StateRoot,
		txs:            txs,
		signature:      proposerSig,
		hash:           hash,
	}

	return &CommittedBlock{
		BlockProposal: p,
		thresholdSig:  thresholdSig,
	}, nil
}
