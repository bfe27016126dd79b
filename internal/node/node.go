package node

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/strandchain/strand/internal/config"
	"github.com/strandchain/strand/pkg/chain"
	"github.com/strandchain/strand/pkg/consensus"
	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/errs"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/storage"
	"github.com/strandchain/strand/pkg/tx"
	"github.com/strandchain/strand/pkg/types"
)

// Node assembles one validator: storage, crypto, the schain orchestrator,
// its transport, and the TCP servers and clients around them.
type Node struct {
	logger *logrus.Logger

	cfg   *config.Config
	store storage.Store
	cm    *crypto.Manager

	self   *network.NodeInfo
	table  *network.Table
	schain *chain.Schain
	net    *network.Network

	proposalSrv   *chain.ProposalServer
	catchupSrv    *chain.CatchupServer
	catchupClient *chain.CatchupClient

	extFace chain.ExtFace
}

func NewNode(opts ...NodeOption) (*Node, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}

	if n.logger == nil {
		n.logger = logrus.StandardLogger()
	}

	n.table, err = network.NewTable(cfg.Chain().Validators)
	if err != nil {
		return nil, err
	}

	n.self = n.table.ByNodeID(cfg.NodeID)
	if n.self == nil {
		return nil, errors.Wrapf(errs.ErrEngineInit,
			"schain %d does not include current node with id %d",
			uint64(cfg.SchainID), uint64(cfg.NodeID))
	}

	if n.store == nil {
		n.store, err = storage.NewPebbleStore(cfg.StoragePath)
		if err != nil {
			return nil, errors.Wrap(err, "initing storage")
		}
	}

	n.cm, err = crypto.NewManager(cfg.Chain().KeyShare, cfg.Chain().PublicMaterial,
		n.table.Size())
	if err != nil {
		return nil, err
	}

	bca := consensus.NewBlockConsensusAgent(cfg.SchainID, n.self.SchainIndex,
		n.table.Size(), n.cm)

	n.schain = chain.NewSchain(chain.Config{
		SchainID:                 cfg.SchainID,
		SchainIndex:              n.self.SchainIndex,
		NodeID:                   cfg.NodeID,
		EmptyBlockInterval:       cfg.EmptyBlockInterval,
		MaxTxPerBlock:            cfg.MaxTxPerBlock,
		FinalizationDownloadOnly: cfg.FinalizationDownloadOnly,
	}, n.cm, n.store, n.table, bca, n.extFace)

	conn, err := network.NewUDPConn(n.self.IP, n.self.ConsensusPort,
		cfg.PacketLoss, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}

	n.net = network.NewNetwork(cfg.SchainID, n.self, n.table, conn, n.schain,
		n.store, cfg.CatchupBlocks)

	// resolve the cyclic back references
	bca.SetBroadcaster(n.net)
	n.schain.SetNetwork(n.net)

	n.proposalSrv, err = chain.NewProposalServer(n.schain, n.self.IP, n.self.ProposalPort)
	if err != nil {
		return nil, err
	}

	n.catchupSrv, err = chain.NewCatchupServer(n.schain, n.self.IP, n.self.CatchupPort)
	if err != nil {
		return nil, err
	}

	n.catchupClient = chain.NewCatchupClient(n.schain)

	return n, nil
}

func (n *Node) Schain() *chain.Schain {
	return n.schain
}

// SubmitTransaction feeds one client transaction into the pending pool.
func (n *Node) SubmitTransaction(data []byte) error {
	t, err := tx.NewTransaction(data)
	if err != nil {
		return err
	}
	return n.schain.PushTransaction(t)
}

// ListenAndServe starts every long-lived loop, runs the peer health check,
// and bootstraps the chain from local storage.
func (n *Node) ListenAndServe() error {
	n.logger.WithField("index", uint64(n.self.SchainIndex)).
		WithField("node", uint64(n.self.NodeID)).Info("starting consensus node")

	n.proposalSrv.Start()
	n.catchupSrv.Start()
	n.net.Start()
	n.schain.Start()

	if err := n.schain.HealthCheck(); err != nil {
		return err
	}

	last, err := n.store.LastCommittedBlockID()
	if err != nil {
		return err
	}

	var ts uint64
	var tsMs uint32
	if last > 0 {
		b, err := n.store.GetBlock(last)
		if err != nil {
			return errors.Wrap(err, "reading last committed block")
		}
		ts = b.TimeStamp()
		tsMs = b.TimeStampMs()
	}

	if err := n.schain.Bootstrap(last, ts, tsMs); err != nil {
		return err
	}

	n.catchupClient.Start()

	return nil
}

func (n *Node) Stop() error {
	n.logger.Warn("shutting down")

	n.catchupClient.Stop()
	n.proposalSrv.Stop()
	n.catchupSrv.Stop()
	n.net.Stop()
	n.schain.Stop()

	return n.store.Close()
}

// BootstrapFromExecutor is the embedding entry point: the execution
// collaborator reports its own last committed block.
func (n *Node) BootstrapFromExecutor(last types.BlockID, ts uint64, tsMs uint32) error {
	return n.schain.Bootstrap(last, ts, tsMs)
}
