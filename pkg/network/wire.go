package network

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"net"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/types"
)

// MagicNumber marks a frame as a strand consensus datagram.
const MagicNumber uint64 = 0x53545244434e5345

const (
	// fixed header: 9 u64 fields + value byte + IPv4
	headerLen = 9*8 + 1 + 4

	// trailing signature share, ASCII, NUL padded
	MaxSigShareLen = 1024

	// FrameLen is the full fixed-size frame.
	FrameLen = headerLen + MaxSigShareLen
)

// EncodeMessage serializes m into the fixed little-endian frame. The
// signature share is hex encoded and NUL padded to MaxSigShareLen.
func EncodeMessage(m *NetworkMessage) ([]byte, error) {
	sig := hex.EncodeToString(m.SigShare)
	if len(sig) > MaxSigShareLen {
		return nil, errors.Wrapf(errs.ErrInvalidArgument,
			"sig share %d bytes exceeds cap", len(sig))
	}

	ip4 := m.SrcIP.To4()
	if ip4 == nil {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "source ip is not IPv4")
	}

	out := make([]byte, FrameLen)
	le := binary.LittleEndian
	le.PutUint64(out[0:], MagicNumber)
	le.PutUint64(out[8:], uint64(m.SchainID))
	le.PutUint64(out[16:], uint64(m.BlockID))
	le.PutUint64(out[24:], uint64(m.ProposerIndex))
	le.PutUint64(out[32:], uint64(m.Type))
	le.PutUint64(out[40:], uint64(m.MsgID))
	le.PutUint64(out[48:], uint64(m.SrcNodeID))
	le.PutUint64(out[56:], uint64(m.DstNodeID))
	le.PutUint64(out[64:], uint64(m.Round))
	out[72] = byte(m.Value)
	copy(out[73:77], ip4)
	copy(out[headerLen:], sig)

	return out, nil
}

// DecodeMessage parses one frame. Magic mismatch is a protocol error; an
// unknown message type is an invalid-format error.
func DecodeMessage(frame []byte) (*NetworkMessage, error) {
	if len(frame) < headerLen {
		return nil, errors.Wrapf(errs.ErrInvalidMessageFormat,
			"frame too short: %d", len(frame))
	}

	le := binary.LittleEndian
	if le.Uint64(frame[0:]) != MagicNumber {
		return nil, errors.Wrap(errs.ErrNetworkProtocol, "magic number mismatch")
	}

	m := &NetworkMessage{
		SchainID:      types.SchainID(le.Uint64(frame[8:])),
		BlockID:       types.BlockID(le.Uint64(frame[16:])),
		ProposerIndex: types.SchainIndex(le.Uint64(frame[24:])),
		Type:          MsgType(le.Uint64(frame[32:])),
		MsgID:         types.MsgID(le.Uint64(frame[40:])),
		SrcNodeID:     types.NodeID(le.Uint64(frame[48:])),
		DstNodeID:     types.NodeID(le.Uint64(frame[56:])),
		Round:         types.Round(le.Uint64(frame[64:])),
		Value:         types.BinValue(frame[72]),
	}

	m.SrcIP = net.IPv4(frame[73], frame[74], frame[75], frame[76]).To4()

	if !m.Type.Valid() {
		return nil, errors.Wrapf(errs.ErrInvalidMessageFormat,
			"unknown message type %d", uint64(m.Type))
	}

	if len(frame) > headerLen {
		raw := frame[headerLen:]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		if len(raw) > 0 {
			sig, err := hex.DecodeString(string(raw))
			if err != nil {
				return nil, errors.Wrap(errs.ErrInvalidMessageFormat, "sig share hex")
			}
			m.SigShare = sig
		}
	}

	return m, nil
}
