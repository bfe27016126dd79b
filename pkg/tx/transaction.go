package tx

import (
	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
)

// Transaction is an opaque client payload. The engine never interprets the
// bytes; execution belongs to the external executor.
type Transaction struct {
	data []byte

	// partial hash, used for dedup in the pending pool and in the
	// proposal hash
	hash crypto.Hash
}

func NewTransaction(data []byte) (*Transaction, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "empty transaction")
	}

	return &Transaction{
		data: data,
		hash: crypto.Digest(data),
	}, nil
}

func (t *Transaction) Data() []byte {
	return t.data
}

func (t *Transaction) Size() uint64 {
	return uint64(len(t.data))
}

func (t *Transaction) PartialHash() crypto.Hash {
	return t.hash
}
