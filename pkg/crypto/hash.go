package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
)

// Hash is a sha256 digest.
type Hash [sha256.Size]byte

// Digest hashes the concatenation of parts.
func Digest(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Equal(o Hash) bool {
	return h == o
}

// Abbrev returns the first 8 hex chars, for log lines.
func (h Hash) Abbrev() string {
	return h.Hex()[:8]
}

func HashFromHex(s string) (Hash, error) {
	var out Hash

	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.Wrap(errs.ErrParsing, "decoding hash hex")
	}
	if len(b) != sha256.Size {
		return out, errors.Wrapf(errs.ErrParsing, "hash length %d", len(b))
	}

	copy(out[:], b)
	return out, nil
}
