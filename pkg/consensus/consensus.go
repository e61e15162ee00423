// Package consensus defines the shared proposal/vote/result model and the
// Protocol interface implemented by each pluggable algorithm (spec.md
// §4.4): raftc (hashicorp/raft), pbft (hand-rolled BFT), and gossip
// (hand-rolled epidemic dissemination).
package consensus

import (
	"context"
	"time"

	"github.com/cuemby/swarmd/pkg/types"
)

// Result is returned by Await once a proposal resolves, or on timeout
// with its best partial outcome.
type Result struct {
	Committed         bool
	Value             any
	ParticipationRate float64
	Confidence        float64
}

// Protocol is the common surface every consensus algorithm implements.
// Proposals are idempotent by proposal_id; Await is cancellable via ctx;
// no method ever blocks the caller beyond ctx's deadline.
type Protocol interface {
	Algorithm() types.ConsensusAlgorithm
	Propose(ctx context.Context, value any) (string, error)
	Vote(proposalID string, vote types.Vote) error
	Await(ctx context.Context, proposalID string, timeout time.Duration) (Result, error)
	Start() error
	Stop()
}

// Proposal is the shared bookkeeping record behind every protocol's
// implementation of Propose/Vote/Await.
type Proposal struct {
	ID        string
	Value     any
	Status    types.ProposalStatus
	Votes     []types.Vote
	CreatedAt time.Time
	resolved  chan struct{}
}
