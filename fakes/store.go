package fakes

import (
	"fmt"
	"sync"

	"github.com/18f/aca-domain-broker/managers"
)

// MemoryStore is an in-memory managers.WorkflowStore with the same
// forward-only transition rules as the real one.
type MemoryStore struct {
	mu          sync.Mutex
	Rows        map[string]managers.WorkflowState
	Checkpoints map[string]managers.IssuanceCheckpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Rows:        make(map[string]managers.WorkflowState),
		Checkpoints: make(map[string]managers.IssuanceCheckpoint),
	}
}

func (f *MemoryStore) Create(instanceId string, op managers.Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Rows[instanceId]; exists {
		return fmt.Errorf("instance %s already exists", instanceId)
	}
	f.Rows[instanceId] = managers.WorkflowState{
		InstanceId: instanceId,
		Operation:  string(op),
		State:      managers.New,
	}
	return nil
}

func (f *MemoryStore) Get(instanceId string) (managers.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Rows[instanceId]
	if !ok {
		return managers.WorkflowState{}, fmt.Errorf("no such instance: %s", instanceId)
	}
	return row, nil
}

func (f *MemoryStore) Transition(instanceId string, to managers.State, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Rows[instanceId]
	if !ok {
		return fmt.Errorf("no such instance: %s", instanceId)
	}
	if to != managers.Error && to <= row.State {
		return fmt.Errorf("illegal transition for %s: %s -> %s", instanceId, row.State, to)
	}
	row.State = to
	row.Detail = detail
	f.Rows[instanceId] = row
	return nil
}

func (f *MemoryStore) SaveCheckpoint(instanceId string, checkpoint managers.IssuanceCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checkpoints[instanceId] = checkpoint
	return nil
}

func (f *MemoryStore) LoadCheckpoint(instanceId string) (managers.IssuanceCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Checkpoints[instanceId], nil
}

func (f *MemoryStore) Reset(instanceId string, checkpoint managers.IssuanceCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.Rows[instanceId]
	if !ok {
		return fmt.Errorf("no such instance: %s", instanceId)
	}
	row.State = managers.New
	row.Detail = "escalation restart"
	f.Rows[instanceId] = row
	f.Checkpoints[instanceId] = checkpoint
	return nil
}

func (f *MemoryStore) Unfinished() ([]managers.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []managers.WorkflowState
	for _, row := range f.Rows {
		if row.State != managers.Finished && row.State != managers.Error {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *MemoryStore) State(instanceId string) managers.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rows[instanceId].State
}
