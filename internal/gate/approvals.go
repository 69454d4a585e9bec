package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// approvalStore is an in-memory pending-approval table. The approval
// workflow CRUD surface itself is an external collaborator (spec.md §1); the
// gate only needs to create a request id and let it be resolved later.
type approvalStore struct {
	mu       sync.Mutex
	requests map[string]*ApprovalRequest
}

func newApprovalStore() *approvalStore {
	return &approvalStore{requests: make(map[string]*ApprovalRequest)}
}

func (a *approvalStore) create(fingerprint, tool string, price int64) *ApprovalRequest {
	req := &ApprovalRequest{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Tool:        tool,
		Price:       price,
		CreatedAt:   time.Now().UTC(),
		Status:      "pending",
	}
	a.mu.Lock()
	a.requests[req.ID] = req
	a.mu.Unlock()
	return req
}

func (a *approvalStore) get(id string) (ApprovalRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[id]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *req, true
}

// resolve marks a pending request approved or denied. Returns an error if the
// request is unknown or already resolved.
func (a *approvalStore) resolve(id string, approve bool) (ApprovalRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.requests[id]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("gate: approval request not found")
	}
	if req.Status != "pending" {
		return *req, fmt.Errorf("gate: approval request already resolved")
	}
	if approve {
		req.Status = "approved"
	} else {
		req.Status = "denied"
	}
	return *req, nil
}
