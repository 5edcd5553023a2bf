// Package callqueue is the admission control for listeners who want to go
// live: a strict FIFO of call requests with a timeout, whose accepted entries
// are granted bridge access through an Admitter.
//
// A Queue is not safe for concurrent use; the owning room serializes access.
package callqueue

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/domain"
	"github.com/dkeye/onair/internal/events"
)

var ErrRateLimited = errors.New("too many call requests")

const DefaultTimeout = 3 * time.Minute

// Admitter performs the side effects of admission: adding the caller's
// bridge source and starting negotiation, and undoing both.
type Admitter interface {
	Grant(call domain.CallRequest) (domain.SourceID, error)
	Revoke(call domain.CallRequest)
}

type Options struct {
	Timeout time.Duration
	Limiter *RateLimiter
	Now     func() time.Time
}

type Queue struct {
	broadcast domain.BroadcastID
	admit     Admitter
	pub       events.Publisher
	timeout   time.Duration
	limiter   *RateLimiter
	now       func() time.Time
	logger    zerolog.Logger

	calls    map[domain.CallID]*domain.CallRequest
	pending  []domain.CallID
	byCaller map[domain.UserID]domain.CallID
}

func New(b domain.BroadcastID, admit Admitter, pub events.Publisher, opts Options) *Queue {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Queue{
		broadcast: b,
		admit:     admit,
		pub:       pub,
		timeout:   opts.Timeout,
		limiter:   opts.Limiter,
		now:       opts.Now,
		logger:    log.With().Str("module", "app.callqueue").Str("broadcast", string(b)).Logger(),
		calls:     make(map[domain.CallID]*domain.CallRequest),
		byCaller:  make(map[domain.UserID]domain.CallID),
	}
}

// Request enqueues a call. A caller holding a non-terminal request gets a
// *domain.DuplicateCallError naming it.
func (q *Queue) Request(caller domain.UserID, info domain.CallerInfo) (domain.CallRequest, error) {
	if caller == "" {
		return domain.CallRequest{}, fmt.Errorf("request call: %w", domain.ErrEmptyID)
	}
	if existing, ok := q.byCaller[caller]; ok {
		return *q.calls[existing], &domain.DuplicateCallError{ExistingCallID: existing}
	}
	now := q.now()
	if !q.limiter.Allow(caller, now) {
		return domain.CallRequest{}, fmt.Errorf("request call from %s: %w", caller, ErrRateLimited)
	}

	name := info.Name
	if name == "" {
		name = string(caller)
	}
	name = domain.Clip(name, domain.MaxUsernameLen)
	location := domain.Clip(info.Location, domain.MaxLocationLen)

	call := &domain.CallRequest{
		ID:          domain.CallID(uuid.NewString()),
		BroadcastID: q.broadcast,
		CallerID:    caller,
		CallerName:  name,
		Location:    location,
		RequestedAt: now,
		State:       domain.CallPending,
	}
	q.calls[call.ID] = call
	q.byCaller[caller] = call.ID
	q.insertPending(call)
	q.reposition()

	q.logger.Info().Str("call", string(call.ID)).Str("caller", string(caller)).Int("position", call.Position).Msg("call requested")
	q.pub.Publish(events.Event{
		Type:      events.CallIncoming,
		Broadcast: q.broadcast,
		At:        now,
		Payload: events.CallIncomingPayload{
			CallID:      call.ID,
			CallerID:    caller,
			CallerName:  name,
			Location:    location,
			RequestTime: now,
		},
	})
	q.publishUpdate()
	return *call, nil
}

// insertPending keeps pending ordered by request time; equal times keep
// arrival order.
func (q *Queue) insertPending(call *domain.CallRequest) {
	i := len(q.pending)
	for i > 0 && q.calls[q.pending[i-1]].RequestedAt.After(call.RequestedAt) {
		i--
	}
	q.pending = slices.Insert(q.pending, i, call.ID)
}

func (q *Queue) reposition() {
	for i, id := range q.pending {
		q.calls[id].Position = i
	}
}

func (q *Queue) removePending(id domain.CallID) {
	if i := slices.Index(q.pending, id); i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
	}
	q.calls[id].Position = -1
	q.reposition()
}

func (q *Queue) lookup(id domain.CallID) (*domain.CallRequest, error) {
	call, ok := q.calls[id]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, domain.ErrNotFound)
	}
	return call, nil
}

func (q *Queue) transition(call *domain.CallRequest, to domain.CallState, reason string) error {
	if !call.State.CanTransition(to) {
		return fmt.Errorf("call %s %s -> %s: %w", call.ID, call.State, to, domain.ErrInvalidState)
	}
	from := call.State
	call.State = to
	call.Reason = reason
	call.DecidedAt = q.now()
	if from == domain.CallPending {
		q.removePending(call.ID)
	}
	if to.Terminal() {
		delete(q.byCaller, call.CallerID)
	}
	q.logger.Info().
		Str("call", string(call.ID)).
		Str("caller", string(call.CallerID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("call state changed")
	return nil
}

// Accept grants a pending call. Accepting twice fails the second time, so
// the bridge never gets a duplicate source.
func (q *Queue) Accept(id domain.CallID) (domain.CallRequest, error) {
	call, err := q.lookup(id)
	if err != nil {
		return domain.CallRequest{}, err
	}
	if !call.State.CanTransition(domain.CallAccepted) {
		return *call, fmt.Errorf("accept call %s in %s: %w", id, call.State, domain.ErrInvalidState)
	}
	if q.admit != nil {
		src, err := q.admit.Grant(*call)
		if err != nil {
			return *call, fmt.Errorf("accept call %s: %w", id, err)
		}
		call.SourceID = src
	}
	if err := q.transition(call, domain.CallAccepted, ""); err != nil {
		return *call, err
	}
	q.publishUpdate()
	return *call, nil
}

func (q *Queue) Reject(id domain.CallID, reason string) (domain.CallRequest, error) {
	call, err := q.lookup(id)
	if err != nil {
		return domain.CallRequest{}, err
	}
	if err := q.transition(call, domain.CallRejected, reason); err != nil {
		return *call, err
	}
	q.publishUpdate()
	return *call, nil
}

// End hangs up an accepted call and revokes its bridge access.
func (q *Queue) End(id domain.CallID, reason string) (domain.CallRequest, error) {
	call, err := q.lookup(id)
	if err != nil {
		return domain.CallRequest{}, err
	}
	if reason == "" {
		reason = domain.ReasonHangup
	}
	if err := q.transition(call, domain.CallEnded, reason); err != nil {
		return *call, err
	}
	if q.admit != nil {
		q.admit.Revoke(*call)
	}
	q.publishUpdate()
	return *call, nil
}

// Sweep times out pending requests older than the timeout and forgets
// terminal ones that have been settled for as long.
func (q *Queue) Sweep(now time.Time) []domain.CallRequest {
	var expired []domain.CallRequest
	for _, id := range slices.Clone(q.pending) {
		call := q.calls[id]
		if now.Sub(call.RequestedAt) < q.timeout {
			// pending is time ordered; nothing younger can be expired
			break
		}
		if err := q.transition(call, domain.CallTimedOut, domain.ReasonTimeout); err == nil {
			expired = append(expired, *call)
		}
	}
	for id, call := range q.calls {
		if call.State.Terminal() && now.Sub(call.DecidedAt) >= q.timeout {
			delete(q.calls, id)
		}
	}
	q.limiter.Forget(now)
	if len(expired) > 0 {
		q.publishUpdate()
	}
	return expired
}

// Clear settles everything for session teardown: pending calls are rejected
// with reason, accepted calls are ended. No update is published.
func (q *Queue) Clear(reason string) {
	for _, id := range slices.Clone(q.pending) {
		_ = q.transition(q.calls[id], domain.CallRejected, reason)
	}
	for _, call := range q.calls {
		if call.State == domain.CallAccepted {
			_ = q.transition(call, domain.CallEnded, reason)
			if q.admit != nil {
				q.admit.Revoke(*call)
			}
		}
	}
}

func (q *Queue) Get(id domain.CallID) (domain.CallRequest, bool) {
	call, ok := q.calls[id]
	if !ok {
		return domain.CallRequest{}, false
	}
	return *call, true
}

// ActiveFor returns the caller's accepted call, if any.
func (q *Queue) ActiveFor(caller domain.UserID) (domain.CallRequest, bool) {
	id, ok := q.byCaller[caller]
	if !ok || q.calls[id].State != domain.CallAccepted {
		return domain.CallRequest{}, false
	}
	return *q.calls[id], true
}

// OpenFor returns the caller's pending or accepted call, if any.
func (q *Queue) OpenFor(caller domain.UserID) (domain.CallRequest, bool) {
	id, ok := q.byCaller[caller]
	if !ok {
		return domain.CallRequest{}, false
	}
	return *q.calls[id], true
}

func (q *Queue) Snapshot() domain.QueueSnapshot {
	snap := domain.QueueSnapshot{
		Pending: make([]domain.CallRequest, 0, len(q.pending)),
		Active:  []domain.CallRequest{},
	}
	for _, id := range q.pending {
		snap.Pending = append(snap.Pending, *q.calls[id])
	}
	for _, call := range q.calls {
		if call.State == domain.CallAccepted {
			snap.Active = append(snap.Active, *call)
		}
	}
	slices.SortFunc(snap.Active, func(a, b domain.CallRequest) int { return a.DecidedAt.Compare(b.DecidedAt) })
	return snap
}

func (q *Queue) PendingCount() int { return len(q.pending) }

func (q *Queue) ActiveCount() int {
	n := 0
	for _, call := range q.calls {
		if call.State == domain.CallAccepted {
			n++
		}
	}
	return n
}

func (q *Queue) publishUpdate() {
	snap := q.Snapshot()
	q.pub.Publish(events.Event{
		Type:      events.CallQueueUpdate,
		Broadcast: q.broadcast,
		At:        q.now(),
		Payload:   events.CallQueuePayload{Pending: snap.Pending, Active: snap.Active},
	})
}
