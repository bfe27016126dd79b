package chain

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strandchain/strand/pkg/block"
	"github.com/strandchain/strand/pkg/errs"
)

// maxFrame bounds any single TCP frame on the proposal and catch-up ports.
const maxFrame = 64 * 1024 * 1024

type srvMsgType uint8

const (
	srvMsgPing srvMsgType = iota + 1
	srvMsgProposal
	srvMsgDAProof
	srvMsgFinalize
	srvMsgCatchup
)

// srvMsg is the request envelope for the TCP control plane: proposal
// pushes, DA proof pushes, finalize downloads and catch-up pulls.
type srvMsg struct {
	Type     srvMsgType      `msgpack:"t"`
	SchainID uint64          `msgpack:"c"`
	Ping     *pingMsg        `msgpack:"pi,omitempty"`
	Proposal *proposalMsg    `msgpack:"po,omitempty"`
	DAProof  *block.DAProof  `msgpack:"da,omitempty"`
	Finalize *finalizeReqMsg `msgpack:"fi,omitempty"`
	Catchup  *catchupReqMsg  `msgpack:"ca,omitempty"`
}

type pingMsg struct {
	NodeID uint64 `msgpack:"n"`
}

// proposalMsg is the push header; the raw transaction payload follows in
// its own frame.
type proposalMsg struct {
	BlockID        uint64   `msgpack:"b"`
	ProposerIndex  uint64   `msgpack:"p"`
	ProposerNodeID uint64   `msgpack:"n"`
	TimeStamp      uint64   `msgpack:"ts"`
	TimeStampMs    uint32   `msgpack:"tm"`
	Hash           string   `msgpack:"h"`
	Sizes          []uint64 `msgpack:"z"`
	Signature      []byte   `msgpack:"s"`
}

type finalizeReqMsg struct {
	BlockID       uint64 `msgpack:"b"`
	ProposerIndex uint64 `msgpack:"p"`
}

type catchupReqMsg struct {
	// first block the requester is missing
	FromBlockID uint64 `msgpack:"b"`
}

type daShareResp struct {
	OK     bool   `msgpack:"o"`
	Signer uint64 `msgpack:"i"`
	Share  []byte `msgpack:"s"`
}

type ackResp struct {
	OK bool `msgpack:"o"`
}

type finalizeResp struct {
	Found bool `msgpack:"f"`

	// serialized proposal (committed-block framing, empty threshold sig)
	Proposal []byte         `msgpack:"p"`
	Proof    *block.DAProof `msgpack:"d"`
}

type catchupResp struct {
	// serialized CommittedBlockList; empty when the peer has nothing newer
	Blocks []byte `msgpack:"b"`
}

// writeFrame writes one length-prefixed frame.
func writeFrame(conn net.Conn, payload []byte) error {
	if len(payload) > maxFrame {
		return errors.Wrapf(errs.ErrInvalidArgument, "frame of %d bytes", len(payload))
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))

	if _, err := conn.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := conn.Write(payload); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(conn net.Conn) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "reading frame header")
	}

	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxFrame {
		return nil, errors.Wrapf(errs.ErrNetworkProtocol, "frame of %d bytes", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, errors.Wrap(err, "reading frame payload")
	}
	return payload, nil
}

func writeMsg(conn net.Conn, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling message")
	}
	return writeFrame(conn, b)
}

func readMsg(conn net.Conn, v interface{}) error {
	b, err := readFrame(conn)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return errors.Wrap(errs.ErrParsing, err.Error())
	}
	return nil
}
