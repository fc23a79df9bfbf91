package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/praveen-singh01/whatsapp-automation/internal/bulk"
	"github.com/praveen-singh01/whatsapp-automation/internal/directory"
)

// Memory is a process-local store. Records are deep-copied on the way in and
// out so callers never alias internal state.
type Memory struct {
	mu         sync.RWMutex
	operations map[string]*bulk.Operation
	recipients []directory.Recipient
}

func NewMemory() *Memory {
	return &Memory{operations: map[string]*bulk.Operation{}}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateOperation(_ context.Context, op *bulk.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.operations[op.ID]; exists {
		return errors.New("storage: duplicate operation id " + op.ID)
	}
	m.operations[op.ID] = op.Clone()
	return nil
}

func (m *Memory) UpdateOperation(_ context.Context, op *bulk.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.operations[op.ID]; !exists {
		return &bulk.NotFoundError{ID: op.ID}
	}
	m.operations[op.ID] = op.Clone()
	return nil
}

func (m *Memory) GetOperation(_ context.Context, id string) (*bulk.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, &bulk.NotFoundError{ID: id}
	}
	return op.Clone(), nil
}

func (m *Memory) ApplyStatusEvent(_ context.Context, providerMessageID string, status bulk.ResultStatus, at time.Time) error {
	if providerMessageID == "" {
		return errors.New("storage: provider message id is required")
	}
	if status != bulk.ResultDelivered && status != bulk.ResultRead {
		return errors.New("storage: unsupported status transition " + string(status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.operations {
		for i := range op.Results {
			if op.Results[i].ProviderMessageID != providerMessageID {
				continue
			}
			t := at
			op.Results[i].Status = status
			if status == bulk.ResultDelivered {
				op.Results[i].DeliveredAt = &t
			} else {
				op.Results[i].ReadAt = &t
			}
			return nil
		}
	}
	return &bulk.NotFoundError{ID: providerMessageID}
}

func (m *Memory) FindByRoles(_ context.Context, roles []directory.Role) ([]directory.Recipient, error) {
	want := map[directory.Role]bool{}
	for _, r := range roles {
		want[r] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []directory.Recipient
	for _, r := range m.recipients {
		if want[r.Role] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) SeedRecipients(_ context.Context, rs []directory.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		replaced := false
		for i := range m.recipients {
			if m.recipients[i].ID == r.ID {
				m.recipients[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			m.recipients = append(m.recipients, r)
		}
	}
	return nil
}
