// Package raftc implements the C5 Raft consensus backend on top of the
// real hashicorp/raft library, grounded on the teacher's
// pkg/manager/fsm.go and pkg/manager/manager.go Bootstrap/Join flows.
package raftc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// command is a single applied value, opaque to the FSM beyond storage.
type command struct {
	ProposalID string          `json:"proposal_id"`
	Value      json.RawMessage `json:"value"`
}

// swarmFSM applies committed proposals to an in-memory value store keyed
// by proposal_id, mirroring the teacher's op-dispatch FSM shape but
// generalized to USC's single "propose" operation instead of warren's
// per-resource CRUD command set.
type swarmFSM struct {
	mu     sync.RWMutex
	values map[string]any
}

func newSwarmFSM() *swarmFSM {
	return &swarmFSM{values: make(map[string]any)}
}

func (f *swarmFSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal raft command: %w", err)
	}

	var value any
	if err := json.Unmarshal(cmd.Value, &value); err != nil {
		return fmt.Errorf("unmarshal raft command value: %w", err)
	}

	f.mu.Lock()
	f.values[cmd.ProposalID] = value
	f.mu.Unlock()
	return value
}

func (f *swarmFSM) get(proposalID string) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[proposalID]
	return v, ok
}

func (f *swarmFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]any, len(f.values))
	for k, v := range f.values {
		cp[k] = v
	}
	return &swarmSnapshot{values: cp}, nil
}

func (f *swarmFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var values map[string]any
	if err := json.NewDecoder(rc).Decode(&values); err != nil {
		return fmt.Errorf("decode raft snapshot: %w", err)
	}
	f.mu.Lock()
	f.values = values
	f.mu.Unlock()
	return nil
}

type swarmSnapshot struct {
	values map[string]any
}

func (s *swarmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.values)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *swarmSnapshot) Release() {}
