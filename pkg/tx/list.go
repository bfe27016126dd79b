package tx

import (
	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
)

// List is an ordered transaction sequence. Its wire form is the bare
// concatenation of transaction payloads; per-transaction sizes travel in the
// enclosing block header.
type List struct {
	items []*Transaction
}

func NewList(items []*Transaction) *List {
	return &List{items: items}
}

func EmptyList() *List {
	return &List{}
}

func (l *List) Items() []*Transaction {
	return l.items
}

func (l *List) Len() int {
	return len(l.items)
}

// ByteSize is the total serialized size of all payloads.
func (l *List) ByteSize() uint64 {
	var total uint64
	for _, t := range l.items {
		total += t.Size()
	}
	return total
}

func (l *List) Sizes() []uint64 {
	sizes := make([]uint64, 0, len(l.items))
	for _, t := range l.items {
		sizes = append(sizes, t.Size())
	}
	return sizes
}

// Serialize concatenates all transaction payloads.
func (l *List) Serialize() []byte {
	out := make([]byte, 0, l.ByteSize())
	for _, t := range l.items {
		out = append(out, t.data...)
	}
	return out
}

// ConcatHashes concatenates all partial hashes, in order. The result feeds
// the block proposal hash.
func (l *List) ConcatHashes() []byte {
	out := make([]byte, 0, len(l.items)*32)
	for _, t := range l.items {
		h := t.PartialHash()
		out = append(out, h[:]...)
	}
	return out
}

// DeserializeList rebuilds a List from concatenated payloads and the size
// vector carried in the block header.
func DeserializeList(sizes []uint64, data []byte) (*List, error) {
	var total uint64
	for _, s := range sizes {
		if s == 0 {
			return nil, errors.Wrap(errs.ErrParsing, "zero-size transaction")
		}
		total += s
	}

	if total != uint64(len(data)) {
		return nil, errors.Wrapf(errs.ErrParsing,
			"transaction sizes sum to %d, payload is %d bytes", total, len(data))
	}

	items := make([]*Transaction, 0, len(sizes))
	var off uint64
	for _, s := range sizes {
		t, err := NewTransaction(data[off : off+s])
		if err != nil {
			return nil, err
		}
		items = append(items, t)
		off += s
	}

	return NewList(items), nil
}
