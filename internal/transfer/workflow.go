// Package transfer implements the peer-approved duty handoff workflow.
package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dutybot/internal/clock"
	"dutybot/internal/duty"
	"dutybot/internal/eventbus"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Status is the lifecycle state of a handoff request.
// Pending is the only non-terminal state; a resolved request is never
// resurrected.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return "pending"
	}
}

// Request is an ephemeral handoff request. It lives only in the workflow's
// arena, never in durable storage.
type Request struct {
	ID          string
	RequesterID int64
	ApproverID  int64
	CreatedAt   time.Time
	Status      Status
	ResolvedAt  time.Time
}

// Outcome reports what Request() did: either an immediate self-service
// reclaim (Applied true, Request nil) or a created pending request.
type Outcome struct {
	Applied bool
	Request *Request
}

// ResolvedEvent is published when a request reaches a terminal state.
type ResolvedEvent struct {
	Request Request
}

const defaultTTL = 24 * time.Hour

// Workflow owns the request arena. All mutations that flip the
// duty-holder go through the duty Manager, the same primitive the
// scheduler uses.
type Workflow struct {
	mu sync.Mutex

	store   storage.Store
	manager *duty.Manager
	clk     clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
	ttl     time.Duration

	seq  atomic.Uint64
	reqs map[string]*Request
	// byRequester tracks the open request per requester for supersession.
	byRequester map[int64]string
}

func New(store storage.Store, manager *duty.Manager, clk clock.Clock, bus eventbus.Bus, log logx.Logger, ttl time.Duration) *Workflow {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Workflow{
		store:       store,
		manager:     manager,
		clk:         clk,
		bus:         bus,
		log:         log,
		ttl:         ttl,
		reqs:        map[string]*Request{},
		byRequester: map[int64]string{},
	}
}

// Request starts a handoff for the given requester.
//
// If the requester is this week's rotation-assigned guard, the handoff is
// applied immediately (self-service reclaim). Otherwise a pending request
// addressed to the current duty-holder (or the rotation guard when no one
// is active) is created; an unresolved earlier request from the same
// requester is superseded.
func (w *Workflow) Request(ctx context.Context, requesterID int64) (Outcome, error) {
	requester, err := w.store.GuardByID(ctx, requesterID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: unknown guard %d", duty.ErrInvalidRequest, requesterID)
	}

	now := w.clk.Now()
	d, err := w.manager.Resolver().Resolve(ctx, now)
	if err != nil {
		return Outcome{}, err
	}

	if d.RotationGuard.ID == requester.ID {
		if err := w.manager.Handoff(ctx, requester.ID, "rotation guard reclaim"); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true}, nil
	}

	approver := d.RotationGuard
	if cur, ok, err := w.store.ActiveGuard(ctx); err != nil {
		return Outcome{}, err
	} else if ok {
		approver = cur
	}
	if approver.ID == requester.ID {
		// Requester already holds duty; pin the week and finish.
		if err := w.manager.Handoff(ctx, requester.ID, "duty-holder reclaim"); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if oldID, ok := w.byRequester[requester.ID]; ok {
		if old := w.reqs[oldID]; old != nil && old.Status == StatusPending {
			old.Status = StatusExpired
			old.ResolvedAt = now
			w.publishResolvedLocked(old)
		}
	}

	r := &Request{
		ID:          fmt.Sprintf("handoff-%d-%d", now.UnixNano(), w.seq.Add(1)),
		RequesterID: requester.ID,
		ApproverID:  approver.ID,
		CreatedAt:   now,
		Status:      StatusPending,
	}
	w.reqs[r.ID] = r
	w.byRequester[requester.ID] = r.ID

	w.log.Info("handoff requested",
		logx.String("request", r.ID), logx.Int64("requester", r.RequesterID), logx.Int64("approver", r.ApproverID))
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeTransferPending, Data: *r})
	}
	cp := *r
	return Outcome{Request: &cp}, nil
}

// Respond resolves a pending request. Only the designated approver may
// respond, and a request resolves at most once.
func (w *Workflow) Respond(ctx context.Context, requestID string, approverID int64, accept bool) (Request, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.reqs[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown request %s", duty.ErrInvalidRequest, requestID)
	}
	if r.Status != StatusPending {
		return Request{}, fmt.Errorf("%w: request already %s", duty.ErrInvalidRequest, r.Status)
	}
	// The approver identity is checked here, server-side, not trusted
	// from client-echoed data.
	if r.ApproverID != approverID {
		return Request{}, fmt.Errorf("%w: not the designated approver", duty.ErrInvalidRequest)
	}

	if accept {
		if err := w.manager.Handoff(ctx, r.RequesterID, "approved handoff"); err != nil {
			// Leave the request pending; the approver can retry.
			return Request{}, err
		}
		r.Status = StatusApproved
	} else {
		r.Status = StatusRejected
	}
	r.ResolvedAt = w.clk.Now()
	w.publishResolvedLocked(r)
	return *r, nil
}

// Get returns a snapshot of a request.
func (w *Workflow) Get(requestID string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.reqs[requestID]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

// PendingFor lists open requests addressed to the given approver.
func (w *Workflow) PendingFor(approverID int64) []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Request
	for _, r := range w.reqs {
		if r.Status == StatusPending && r.ApproverID == approverID {
			out = append(out, *r)
		}
	}
	return out
}

// Sweep expires pending requests older than the TTL and evicts resolved
// ones from the arena. Returns how many were expired.
func (w *Workflow) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	expired := 0
	for id, r := range w.reqs {
		if r.Status == StatusPending && now.Sub(r.CreatedAt) > w.ttl {
			r.Status = StatusExpired
			r.ResolvedAt = now
			w.publishResolvedLocked(r)
			expired++
		}
		// Resolved requests linger one sweep for late Get() calls.
		if r.Status != StatusPending && !r.ResolvedAt.IsZero() && now.Sub(r.ResolvedAt) > w.ttl {
			delete(w.reqs, id)
			if w.byRequester[r.RequesterID] == id {
				delete(w.byRequester, r.RequesterID)
			}
		}
	}
	if expired > 0 {
		w.log.Info("handoff requests expired", logx.Int("count", expired))
	}
	return expired
}

func (w *Workflow) publishResolvedLocked(r *Request) {
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeTransferDone, Data: ResolvedEvent{Request: *r}})
	}
}
