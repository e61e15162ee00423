package raftc

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/swarmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSingleNode brings up a one-node raft cluster bootstrapped against
// itself, using in-memory stores and a real loopback TCP transport (raft's
// own transport has no in-process fake, grounded on the teacher's use of
// raft.NewTCPTransport in production Start()).
func newSingleNode(t *testing.T) *Raftc {
	t.Helper()
	r := New(Config{
		NodeID:             "node-1",
		BindAddr:           "127.0.0.1:0",
		Bootstrap:          true,
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  30 * time.Millisecond,
	}, nil)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func awaitLeadership(t *testing.T, r *Raftc) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestRaftcSingleNodeBecomesLeader(t *testing.T) {
	r := newSingleNode(t)
	awaitLeadership(t, r)
}

func TestRaftcProposeCommitsAndAwaitReturnsValue(t *testing.T) {
	r := newSingleNode(t)
	awaitLeadership(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	proposalID, err := r.Propose(ctx, map[string]any{"action": "rebalance"})
	require.NoError(t, err)
	require.NotEmpty(t, proposalID)

	result, err := r.Await(ctx, proposalID, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, float64(1), result.ParticipationRate)
}

func TestRaftcProposeFailsBeforeLeadership(t *testing.T) {
	r := New(Config{
		NodeID:    "node-2",
		BindAddr:  "127.0.0.1:0",
		Bootstrap: false,
	}, nil)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)

	_, err := r.Propose(context.Background(), "value")
	assert.Error(t, err)
}

func TestRaftcVoteIsNotApplicable(t *testing.T) {
	r := newSingleNode(t)
	err := r.Vote("any-proposal", types.Vote{Voter: "node-1", Approve: true})
	assert.Error(t, err)
}
