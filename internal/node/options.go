package node

import (
	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/pkg/chain"
	"github.com/strandchain/strand/pkg/storage"
)

type NodeOption func(*Node) error

func WithStorage(s storage.Store) NodeOption {
	return func(n *Node) error {
		n.store = s
		return nil
	}
}

func WithLogger(l *logrus.Logger) NodeOption {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

// WithExtFace attaches the execution collaborator committed blocks are
// pushed to.
func WithExtFace(e chain.ExtFace) NodeOption {
	return func(n *Node) error {
		n.extFace = e
		return nil
	}
}
