package storage

import "encoding/binary"

type keyType byte

const (
	blockTPrefix keyType = iota + 1
	lastCommittedTPrefix
	proposalTPrefix
	proposalHashTPrefix
	daShareTPrefix
	daProofTPrefix
	vectorTPrefix
	outMsgTPrefix
	priceTPrefix
)

// typedKey builds a namespaced key: one prefix byte followed by big-endian
// u64 parts so iteration order matches numeric order.
func typedKey(t keyType, parts ...uint64) []byte {
	k := make([]byte, 1+8*len(parts))
	k[0] = byte(t)
	for i, p := range parts {
		binary.BigEndian.PutUint64(k[1+8*i:], p)
	}
	return k
}

// keyUpperBound is the smallest key greater than every key with the given
// prefix, for pebble iterator bounds.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
