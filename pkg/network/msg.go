package network

import (
	"net"

	"github.com/strandchain/strand/pkg/types"
)

type MsgType uint64

const (
	MsgTypeBVBroadcast MsgType = iota + 1
	MsgTypeAUXBroadcast
	MsgTypeBlockSigBroadcast
)

func (t MsgType) Valid() bool {
	switch t {
	case MsgTypeBVBroadcast, MsgTypeAUXBroadcast, MsgTypeBlockSigBroadcast:
		return true
	}
	return false
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeBVBroadcast:
		return "BVB"
	case MsgTypeAUXBroadcast:
		return "AUX"
	case MsgTypeBlockSigBroadcast:
		return "BLOCK_SIG"
	}
	return "UNKNOWN"
}

// NetworkMessage is one consensus datagram. The wire layout is fixed; see
// the codec in wire.go.
type NetworkMessage struct {
	SchainID      types.SchainID
	BlockID       types.BlockID
	ProposerIndex types.SchainIndex
	Type          MsgType
	MsgID         types.MsgID
	SrcNodeID     types.NodeID
	DstNodeID     types.NodeID
	Round         types.Round
	Value         types.BinValue
	SrcIP         net.IP

	// threshold signature share, present on AUX and BLOCK_SIG messages
	SigShare []byte
}

func (m *NetworkMessage) ProtocolKey() types.ProtocolKey {
	return types.ProtocolKey{
		BlockID:       m.BlockID,
		ProposerIndex: m.ProposerIndex,
	}
}

// Envelope is a received message paired with its authenticated sender.
type Envelope struct {
	Msg    *NetworkMessage
	Sender *NodeInfo
}
