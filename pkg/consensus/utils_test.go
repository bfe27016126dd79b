package consensus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strandchain/strand/pkg/crypto"
	"github.com/strandchain/strand/pkg/network"
	"github.com/strandchain/strand/pkg/types"
)

const testSchainID types.SchainID = 1

// testBus is an in-memory broadcast fabric: every agent's outbound
// messages queue up and the test pumps them to the other live agents.
// Delivery happens outside any agent lock, so agents can broadcast while
// being pumped.
type testBus struct {
	mu    sync.Mutex
	queue []busMsg
}

type busMsg struct {
	from types.SchainIndex
	m    *network.NetworkMessage
}

type busPort struct {
	bus  *testBus
	from types.SchainIndex
}

func (p *busPort) BroadcastMessage(m *network.NetworkMessage) error {
	mc := *m

	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.bus.queue = append(p.bus.queue, busMsg{from: p.from, m: &mc})
	return nil
}

func (b *testBus) pop() (busMsg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return busMsg{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

type decision struct {
	blockID  types.BlockID
	proposer types.SchainIndex
	sig      []byte
}

type testCluster struct {
	n        int
	bus      *testBus
	managers []*crypto.Manager
	agents   map[types.SchainIndex]*BlockConsensusAgent
	senders  map[types.SchainIndex]*network.NodeInfo

	mu      sync.Mutex
	results map[types.SchainIndex]*decision
}

// newTestCluster builds n aggregators wired over a testBus; live lists the
// participating indexes (the rest model crashed nodes).
func newTestCluster(t *testing.T, n int, live []types.SchainIndex) *testCluster {
	shares, pub, err := crypto.GenerateKeyMaterial(n)
	require.NoError(t, err)

	c := &testCluster{
		n:       n,
		bus:     &testBus{},
		agents:  make(map[types.SchainIndex]*BlockConsensusAgent),
		senders: make(map[types.SchainIndex]*network.NodeInfo),
		results: make(map[types.SchainIndex]*decision),
	}

	for i := 1; i <= n; i++ {
		idx := types.SchainIndex(i)
		c.senders[idx] = &network.NodeInfo{
			NodeID:      types.NodeID(100 + i),
			SchainIndex: idx,
			IP:          fmt.Sprintf("127.0.0.%d", i),
		}
	}

	for _, idx := range live {
		m, err := crypto.NewManager(shares[idx-1], pub, n)
		require.NoError(t, err)
		c.managers = append(c.managers, m)

		agent := NewBlockConsensusAgent(testSchainID, idx, n, m)
		agent.SetBroadcaster(&busPort{bus: c.bus, from: idx})

		captured := idx
		agent.SetFinalizer(func(id types.BlockID, proposer types.SchainIndex, sig []byte) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.results[captured]; !ok {
				c.results[captured] = &decision{blockID: id, proposer: proposer, sig: sig}
			}
		})

		c.agents[idx] = agent
	}

	return c
}

// pump delivers queued messages to every live agent other than the sender
// until the fabric is quiet.
func (c *testCluster) pump() {
	for {
		msg, ok := c.bus.pop()
		if !ok {
			return
		}

		for idx, agent := range c.agents {
			if idx == msg.from {
				continue
			}
			agent.RouteAndProcessMessage(&NetworkItem{
				Env: &network.Envelope{Msg: msg.m, Sender: c.senders[msg.from]},
			})
		}
	}
}

func (c *testCluster) result(idx types.SchainIndex) *decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[idx]
}

// waitResults blocks until every live agent finalized, pumping as results
// trickle in from the async finalizers.
func (c *testCluster) waitResults(t *testing.T) {
	deadline := time.Now().Add(10 * time.Second)

	for {
		c.pump()

		c.mu.Lock()
		done := len(c.results) == len(c.agents)
		c.mu.Unlock()

		if done {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cluster did not finalize in time")
		}
		time.Sleep(time.Millisecond)
	}
}
