package network

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/types"
)

// NodeInfo is one row of the validator table: identity, address and the
// per-role listen ports.
type NodeInfo struct {
	NodeID      types.NodeID
	SchainIndex types.SchainIndex
	IP          string

	ProposalPort  uint16
	CatchupPort   uint16
	ConsensusPort uint16
}

func (ni *NodeInfo) ConsensusAddr() string {
	return fmt.Sprintf("%s:%d", ni.IP, ni.ConsensusPort)
}

func (ni *NodeInfo) ProposalAddr() string {
	return fmt.Sprintf("%s:%d", ni.IP, ni.ProposalPort)
}

func (ni *NodeInfo) CatchupAddr() string {
	return fmt.Sprintf("%s:%d", ni.IP, ni.CatchupPort)
}

// Table is the static validator table for one subchain, indexed every way
// the engine needs to look peers up.
type Table struct {
	byIndex  map[types.SchainIndex]*NodeInfo
	byIP     map[string]*NodeInfo
	byNodeID map[types.NodeID]*NodeInfo
	ordered  []*NodeInfo
}

func NewTable(nodes []*NodeInfo) (*Table, error) {
	t := &Table{
		byIndex:  make(map[types.SchainIndex]*NodeInfo, len(nodes)),
		byIP:     make(map[string]*NodeInfo, len(nodes)),
		byNodeID: make(map[types.NodeID]*NodeInfo, len(nodes)),
	}

	for _, ni := range nodes {
		if ni.SchainIndex == 0 || ni.SchainIndex > types.SchainIndex(len(nodes)) {
			return nil, errors.Wrapf(errs.ErrInvalidArgument,
				"schain index %d out of range", ni.SchainIndex)
		}
		if net.ParseIP(ni.IP) == nil {
			return nil, errors.Wrapf(errs.ErrInvalidArgument, "bad node ip %q", ni.IP)
		}
		if _, ok := t.byIndex[ni.SchainIndex]; ok {
			return nil, errors.Wrapf(errs.ErrInvalidArgument,
				"duplicate schain index %d", ni.SchainIndex)
		}

		t.byIndex[ni.SchainIndex] = ni
		t.byIP[ni.IP] = ni
		t.byNodeID[ni.NodeID] = ni
	}

	for i := types.SchainIndex(1); i <= types.SchainIndex(len(nodes)); i++ {
		ni, ok := t.byIndex[i]
		if !ok {
			return nil, errors.Wrapf(errs.ErrInvalidArgument, "missing schain index %d", i)
		}
		t.ordered = append(t.ordered, ni)
	}

	return t, nil
}

func (t *Table) Size() int {
	return len(t.ordered)
}

// Nodes returns the table in schain-index order.
func (t *Table) Nodes() []*NodeInfo {
	return t.ordered
}

func (t *Table) ByIndex(i types.SchainIndex) *NodeInfo {
	return t.byIndex[i]
}

func (t *Table) ByIP(ip string) *NodeInfo {
	return t.byIP[ip]
}

func (t *Table) ByNodeID(id types.NodeID) *NodeInfo {
	return t.byNodeID[id]
}
