package pbft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackPeer delivers each message to the target node's handler on a
// new goroutine, standing in for a network transport in tests.
type loopbackPeer struct {
	id     string
	target *PBFT
}

func (p *loopbackPeer) ID() string { return p.id }
func (p *loopbackPeer) SendPrePrepare(msg PrePrepare) { go p.target.HandlePrePrepare(msg) }
func (p *loopbackPeer) SendPrepare(msg Prepare)       { go p.target.HandlePrepare(msg) }
func (p *loopbackPeer) SendCommit(msg Commit)         { go p.target.HandleCommit(msg) }

func newCluster(n int) []*PBFT {
	nodes := make([]*PBFT, n)
	for i := range nodes {
		nodes[i] = New(Config{NodeID: nodeName(i)}, nil)
	}
	for i, node := range nodes {
		for j, peer := range nodes {
			if i == j {
				continue
			}
			node.AddPeer(&loopbackPeer{id: nodeName(j), target: peer})
		}
	}
	return nodes
}

func nodeName(i int) string {
	return string(rune('a' + i))
}

func TestPBFTCommitsWithQuorum(t *testing.T) {
	nodes := newCluster(4) // n=4, f=1, quorum=3
	primary := nodes[0]

	proposalID, err := primary.Propose(context.Background(), "value-1")
	require.NoError(t, err)

	result, err := primary.Await(context.Background(), proposalID, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, "value-1", result.Value)
}

func TestPBFTProposeFromNonPrimaryFails(t *testing.T) {
	nodes := newCluster(4)
	_, err := nodes[1].Propose(context.Background(), "value-1")
	assert.Error(t, err)
}

func TestPBFTQuorumMath(t *testing.T) {
	p := New(Config{NodeID: "a"}, nil)
	for i := 0; i < 6; i++ {
		p.AddPeer(&loopbackPeer{id: nodeName(i + 1)})
	}
	// n=7, f=2, quorum=5
	assert.Equal(t, 2, p.faultTolerance())
	assert.Equal(t, 5, p.quorum())
}

func TestPBFTViewChangeAdvancesView(t *testing.T) {
	p := New(Config{NodeID: "a"}, nil)
	p.AddPeer(&loopbackPeer{id: "b"})
	before := p.view
	p.TriggerViewChange()
	assert.Equal(t, before+1, p.view)
}
