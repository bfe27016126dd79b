package block

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strandchain/strand/pkg/errs"
)

// CommittedBlockList is a contiguous batch of committed blocks, as served
// by the catch-up server.
type CommittedBlockList struct {
	blocks []*CommittedBlock
}

type committedBlockListWire struct {
	Blocks [][]byte `msgpack:"b"`
}

func NewCommittedBlockList(blocks []*CommittedBlock) *CommittedBlockList {
	return &CommittedBlockList{blocks: blocks}
}

func (l *CommittedBlockList) Blocks() []*CommittedBlock {
	return l.blocks
}

func (l *CommittedBlockList) Serialize() ([]byte, error) {
	w := &committedBlockListWire{
		Blocks: make([][]byte, 0, len(l.blocks)),
	}

	for _, b := range l.blocks {
		sb, err := b.Serialize()
		if err != nil {
			return nil, err
		}
		w.Blocks = append(w.Blocks, sb)
	}

	out, err := msgpack.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling block list")
	}
	return out, nil
}

func DeserializeList(data []byte) (*CommittedBlockList, error) {
	w := &committedBlockListWire{}
	if err := msgpack.Unmarshal(data, w); err != nil {
		return nil, errors.Wrap(errs.ErrParsing, err.Error())
	}

	blocks := make([]*CommittedBlock, 0, len(w.Blocks))
	for _, sb := range w.Blocks {
		b, err := Deserialize(sb)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	return NewCommittedBlockList(blocks), nil
}
