package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jnst/outbox-pipeline/internal/broker"
	"github.com/jnst/outbox-pipeline/internal/model"
)

// memDB is an in-memory stand-in for PostgreSQL. memTx restores a snapshot when fn fails,
// so tests observe the same all-or-nothing outcome as a real transaction.
type memDB struct {
	mu            sync.Mutex
	users         map[int64]model.User
	nextUserID    int64
	idempotency   map[string]model.IdempotencyRecord
	outbox        map[string]model.OutboxEvent
	outboxOrder   []string
	notifications map[string]model.Notification
	notifOrder    []string
}

func newMemDB() *memDB {
	return &memDB{
		users:         map[int64]model.User{},
		idempotency:   map[string]model.IdempotencyRecord{},
		outbox:        map[string]model.OutboxEvent{},
		notifications: map[string]model.Notification{},
	}
}

type memSnapshot struct {
	users         map[int64]model.User
	nextUserID    int64
	idempotency   map[string]model.IdempotencyRecord
	outbox        map[string]model.OutboxEvent
	outboxOrder   []string
	notifications map[string]model.Notification
	notifOrder    []string
}

func (m *memDB) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return memSnapshot{
		users:         maps.Clone(m.users),
		nextUserID:    m.nextUserID,
		idempotency:   maps.Clone(m.idempotency),
		outbox:        maps.Clone(m.outbox),
		outboxOrder:   append([]string(nil), m.outboxOrder...),
		notifications: maps.Clone(m.notifications),
		notifOrder:    append([]string(nil), m.notifOrder...),
	}
}

func (m *memDB) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = s.users
	m.nextUserID = s.nextUserID
	m.idempotency = s.idempotency
	m.outbox = s.outbox
	m.outboxOrder = s.outboxOrder
	m.notifications = s.notifications
	m.notifOrder = s.notifOrder
}

type memTx struct {
	db    *memDB
	calls int
}

func (t *memTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	snap := t.db.snapshot()

	if err := fn(ctx); err != nil {
		t.db.restore(snap)

		return err
	}

	return nil
}

// users

type memUserRepo struct{ db *memDB }

func (r *memUserRepo) Create(_ context.Context, params *model.CreateUserParams) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, u := range r.db.users {
		if u.Email == params.Email {
			return nil, model.ErrEmailTaken
		}
	}

	r.db.nextUserID++
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := model.User{ID: r.db.nextUserID, Name: params.Name, Email: params.Email, CreatedAt: now, UpdatedAt: now}
	r.db.users[u.ID] = u

	return &u, nil
}

func (r *memUserRepo) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}

	return &u, nil
}

func (r *memUserRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return r.GetByID(ctx, id)
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, u := range r.db.users {
		if u.Email == email {
			return &u, nil
		}
	}

	return nil, model.ErrUserNotFound
}

func (r *memUserRepo) UpdateEmail(_ context.Context, id int64, email string) (*model.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	u, ok := r.db.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}

	u.Email = email
	u.UpdatedAt = u.UpdatedAt.Add(time.Hour)
	r.db.users[id] = u

	return &u, nil
}

// idempotency

type memIdempotencyRepo struct {
	db        *memDB
	reserveFn func(params *model.ReserveIdempotencyParams) (bool, error)
}

func (r *memIdempotencyRepo) Reserve(_ context.Context, params *model.ReserveIdempotencyParams) (bool, error) {
	if r.reserveFn != nil {
		return r.reserveFn(params)
	}

	return r.reserve(params)
}

func (r *memIdempotencyRepo) reserve(params *model.ReserveIdempotencyParams) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if rec, ok := r.db.idempotency[params.Key]; ok && rec.ExpiresAt.After(params.Now) {
		return false, nil
	}

	r.db.idempotency[params.Key] = model.IdempotencyRecord{
		Key:         params.Key,
		RequestHash: params.RequestHash,
		ExpiresAt:   params.ExpiresAt,
		CreatedAt:   params.Now,
	}

	return true, nil
}

func (r *memIdempotencyRepo) Get(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	rec, ok := r.db.idempotency[key]
	if !ok {
		return nil, model.ErrNotFound
	}

	return &rec, nil
}

func (r *memIdempotencyRepo) Finalize(_ context.Context, params *model.FinalizeIdempotencyParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	rec, ok := r.db.idempotency[params.Key]
	if !ok || rec.RequestHash != params.RequestHash || rec.Finalized() {
		return model.ErrNotFound
	}

	rec.ResponseCode = params.ResponseCode
	rec.ResponseBody = params.ResponseBody
	rec.ExpiresAt = params.ExpiresAt
	r.db.idempotency[params.Key] = rec

	return nil
}

func (r *memIdempotencyRepo) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var n int64
	for k, rec := range r.db.idempotency {
		if int(n) >= limit {
			break
		}

		if !rec.ExpiresAt.After(now) {
			delete(r.db.idempotency, k)
			n++
		}
	}

	return n, nil
}

// outbox

type memOutboxRepo struct {
	db        *memDB
	createErr error
	deleteErr error
}

func (r *memOutboxRepo) CreateEvent(_ context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e := model.OutboxEvent{
		EventID:      params.EventID,
		EventType:    params.EventType,
		AggregateKey: params.AggregateKey,
		Payload:      params.Payload,
		Status:       model.OutboxStatusPending,
		NextRetryAt:  params.CreatedAt,
		CreatedAt:    params.CreatedAt,
	}
	r.db.outbox[e.EventID] = e
	r.db.outboxOrder = append(r.db.outboxOrder, e.EventID)

	return &e, nil
}

func (r *memOutboxRepo) Get(_ context.Context, eventID string) (*model.OutboxEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e, ok := r.db.outbox[eventID]
	if !ok {
		return nil, model.ErrNotFound
	}

	return &e, nil
}

func (r *memOutboxRepo) Lease(_ context.Context, params model.LeaseParams) ([]*model.OutboxEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []*model.OutboxEvent
	for _, id := range r.db.outboxOrder {
		if len(out) >= params.Limit {
			break
		}

		e, ok := r.db.outbox[id]
		if !ok {
			continue
		}

		due := e.Status == model.OutboxStatusPending && !e.NextRetryAt.After(params.Now)
		expired := e.Status == model.OutboxStatusInFlight && e.LeaseUntil != nil && !e.LeaseUntil.After(params.Now)
		if !due && !expired {
			continue
		}

		until := params.LeaseUntil()
		e.Status = model.OutboxStatusInFlight
		e.LeaseOwner = params.Owner
		e.LeaseUntil = &until
		r.db.outbox[id] = e

		leased := e
		out = append(out, &leased)
	}

	return out, nil
}

func (r *memOutboxRepo) leased(id, owner string) (model.OutboxEvent, error) {
	e, ok := r.db.outbox[id]
	if !ok || e.Status != model.OutboxStatusInFlight || e.LeaseOwner != owner {
		return e, model.ErrLeaseLost
	}

	return e, nil
}

func (r *memOutboxRepo) MarkPublished(_ context.Context, params model.CompleteParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e, err := r.leased(params.ID, params.Owner)
	if err != nil {
		return err
	}

	now := params.Now
	e.Status = model.OutboxStatusPublished
	e.PublishedAt = &now
	e.LeaseOwner = ""
	e.LeaseUntil = nil
	e.LastError = ""
	r.db.outbox[params.ID] = e

	return nil
}

func (r *memOutboxRepo) RecordFailure(_ context.Context, params model.FailureParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e, err := r.leased(params.ID, params.Owner)
	if err != nil {
		return err
	}

	e.AttemptCount = params.AttemptCount
	e.LastError = params.LastError
	e.LeaseOwner = ""
	e.LeaseUntil = nil

	if params.Terminal {
		failedAt := params.FailedAt
		e.Status = model.OutboxStatusFailed
		e.FailedAt = &failedAt
	} else {
		e.Status = model.OutboxStatusPending
		e.NextRetryAt = params.NextRetryAt
	}

	r.db.outbox[params.ID] = e

	return nil
}

func (r *memOutboxRepo) ListFailed(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []*model.OutboxEvent
	for _, id := range r.db.outboxOrder {
		if e, ok := r.db.outbox[id]; ok && e.Status == model.OutboxStatusFailed && len(out) < limit {
			out = append(out, &e)
		}
	}

	return out, nil
}

func (r *memOutboxRepo) Requeue(_ context.Context, eventID string, now time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	e, ok := r.db.outbox[eventID]
	if !ok || e.Status != model.OutboxStatusFailed {
		return model.ErrNotFound
	}

	e.Status = model.OutboxStatusPending
	e.AttemptCount = 0
	e.NextRetryAt = now
	e.LastError = ""
	e.FailedAt = nil
	r.db.outbox[eventID] = e

	return nil
}

func (r *memOutboxRepo) Stats(_ context.Context, _ time.Time) (*model.QueueStats, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	s := &model.QueueStats{Queue: "outbox_events"}
	for _, e := range r.db.outbox {
		switch e.Status {
		case model.OutboxStatusPending:
			s.Pending++
		case model.OutboxStatusInFlight:
			s.Leased++
		case model.OutboxStatusFailed:
			s.Failed++
		case model.OutboxStatusPublished:
			s.Done++
		}
	}

	return s, nil
}

func (r *memOutboxRepo) DeletePublishedBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	return r.deleteWhere(limit, func(e model.OutboxEvent) bool {
		return e.Status == model.OutboxStatusPublished && e.PublishedAt != nil && e.PublishedAt.Before(before)
	})
}

func (r *memOutboxRepo) DeleteFailedBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	return r.deleteWhere(limit, func(e model.OutboxEvent) bool {
		return e.Status == model.OutboxStatusFailed && e.FailedAt != nil && e.FailedAt.Before(before)
	})
}

func (r *memOutboxRepo) deleteWhere(limit int, match func(model.OutboxEvent) bool) (int64, error) {
	if r.deleteErr != nil {
		return 0, r.deleteErr
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var n int64
	for _, id := range r.db.outboxOrder {
		if int(n) >= limit {
			break
		}

		if e, ok := r.db.outbox[id]; ok && match(e) {
			delete(r.db.outbox, id)
			n++
		}
	}

	return n, nil
}

func (r *memOutboxRepo) events() []model.OutboxEvent {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.OutboxEvent
	for _, id := range r.db.outboxOrder {
		if e, ok := r.db.outbox[id]; ok {
			out = append(out, e)
		}
	}

	return out
}

// notifications

type memNotificationRepo struct {
	db        *memDB
	createErr error
}

func (r *memNotificationRepo) Create(_ context.Context, params *model.CreateNotificationParams) (bool, error) {
	if r.createErr != nil {
		return false, r.createErr
	}

	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, n := range r.db.notifications {
		if n.SourceEventID == params.SourceEventID {
			return false, nil
		}
	}

	r.db.notifications[params.ID] = model.Notification{
		ID:            params.ID,
		SourceEventID: params.SourceEventID,
		TargetUserID:  params.TargetUserID,
		Type:          params.Type,
		Payload:       params.Payload,
		Status:        model.NotificationStatusPending,
		NextRetryAt:   params.CreatedAt,
		CreatedAt:     params.CreatedAt,
	}
	r.db.notifOrder = append(r.db.notifOrder, params.ID)

	return true, nil
}

func (r *memNotificationRepo) Get(_ context.Context, id string) (*model.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	n, ok := r.db.notifications[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	return &n, nil
}

func (r *memNotificationRepo) GetBySourceEventID(_ context.Context, sourceEventID string) (*model.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	for _, n := range r.db.notifications {
		if n.SourceEventID == sourceEventID {
			return &n, nil
		}
	}

	return nil, model.ErrNotFound
}

func (r *memNotificationRepo) Lease(_ context.Context, params model.LeaseParams) ([]*model.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []*model.Notification
	for _, id := range r.db.notifOrder {
		if len(out) >= params.Limit {
			break
		}

		n, ok := r.db.notifications[id]
		if !ok {
			continue
		}

		due := n.Status == model.NotificationStatusPending && !n.NextRetryAt.After(params.Now)
		expired := n.Status == model.NotificationStatusProcessing && n.LeaseUntil != nil && !n.LeaseUntil.After(params.Now)
		if !due && !expired {
			continue
		}

		now, until := params.Now, params.LeaseUntil()
		n.Status = model.NotificationStatusProcessing
		n.LockedBy = params.Owner
		n.LockedAt = &now
		n.LeaseUntil = &until
		r.db.notifications[id] = n

		leased := n
		out = append(out, &leased)
	}

	return out, nil
}

func (r *memNotificationRepo) leased(id, owner string) (model.Notification, error) {
	n, ok := r.db.notifications[id]
	if !ok || n.Status != model.NotificationStatusProcessing || n.LockedBy != owner {
		return n, model.ErrLeaseLost
	}

	return n, nil
}

func (r *memNotificationRepo) MarkSent(_ context.Context, params model.CompleteParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	n, err := r.leased(params.ID, params.Owner)
	if err != nil {
		return err
	}

	now := params.Now
	n.Status = model.NotificationStatusSent
	n.SentAt = &now
	n.LockedBy = ""
	n.LockedAt = nil
	n.LeaseUntil = nil
	r.db.notifications[params.ID] = n

	return nil
}

func (r *memNotificationRepo) RecordFailure(_ context.Context, params model.FailureParams) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	n, err := r.leased(params.ID, params.Owner)
	if err != nil {
		return err
	}

	n.AttemptCount = params.AttemptCount
	n.LastError = params.LastError
	n.LockedBy = ""
	n.LockedAt = nil
	n.LeaseUntil = nil

	if params.Terminal {
		failedAt := params.FailedAt
		n.Status = model.NotificationStatusFailed
		n.FailedAt = &failedAt
	} else {
		n.Status = model.NotificationStatusPending
		n.NextRetryAt = params.NextRetryAt
	}

	r.db.notifications[params.ID] = n

	return nil
}

func (r *memNotificationRepo) ListFailed(_ context.Context, limit int) ([]*model.Notification, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []*model.Notification
	for _, id := range r.db.notifOrder {
		if n, ok := r.db.notifications[id]; ok && n.Status == model.NotificationStatusFailed && len(out) < limit {
			out = append(out, &n)
		}
	}

	return out, nil
}

func (r *memNotificationRepo) Requeue(_ context.Context, id string, now time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	n, ok := r.db.notifications[id]
	if !ok || n.Status != model.NotificationStatusFailed {
		return model.ErrNotFound
	}

	n.Status = model.NotificationStatusPending
	n.AttemptCount = 0
	n.NextRetryAt = now
	n.LastError = ""
	n.FailedAt = nil
	r.db.notifications[id] = n

	return nil
}

func (r *memNotificationRepo) Stats(_ context.Context, _ time.Time) (*model.QueueStats, error) {
	return &model.QueueStats{Queue: "notifications"}, nil
}

func (r *memNotificationRepo) DeleteSentBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	return r.deleteWhere(limit, func(n model.Notification) bool {
		return n.Status == model.NotificationStatusSent && n.SentAt != nil && n.SentAt.Before(before)
	})
}

func (r *memNotificationRepo) DeleteFailedBefore(_ context.Context, before time.Time, limit int) (int64, error) {
	return r.deleteWhere(limit, func(n model.Notification) bool {
		return n.Status == model.NotificationStatusFailed && n.FailedAt != nil && n.FailedAt.Before(before)
	})
}

func (r *memNotificationRepo) deleteWhere(limit int, match func(model.Notification) bool) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var n int64
	for _, id := range r.db.notifOrder {
		if int(n) >= limit {
			break
		}

		if row, ok := r.db.notifications[id]; ok && match(row) {
			delete(r.db.notifications, id)
			n++
		}
	}

	return n, nil
}

func (r *memNotificationRepo) all() []model.Notification {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []model.Notification
	for _, id := range r.db.notifOrder {
		if n, ok := r.db.notifications[id]; ok {
			out = append(out, n)
		}
	}

	return out
}

// broker and sender

type fakePublisher struct {
	mu        sync.Mutex
	published []broker.Message
	seen      map[string]bool
	failures  int
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, msg broker.Message) (broker.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failures > 0 {
		p.failures--

		return broker.PublishResult{}, p.err
	}

	if p.seen == nil {
		p.seen = map[string]bool{}
	}

	if p.seen[msg.ID] {
		return broker.PublishResult{Duplicate: true}, nil
	}

	p.seen[msg.ID] = true
	p.published = append(p.published, msg)

	return broker.PublishResult{Sequence: msg.ID}, nil
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []string
	failures int
	err      error
}

func (s *fakeSender) Send(_ context.Context, n *model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--

		return s.err
	}

	s.sent = append(s.sent, n.ID)

	return nil
}

type fakeLocker struct {
	acquired bool
	err      error
}

func (l *fakeLocker) TryXactLock(_ context.Context, _ int64) (bool, error) {
	return l.acquired, l.err
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

var errBoom = errors.New("boom")

type fixture struct {
	db            *memDB
	tx            *memTx
	clock         *clock
	users         *memUserRepo
	idempotency   *memIdempotencyRepo
	outbox        *memOutboxRepo
	notifications *memNotificationRepo
}

func newFixture() *fixture {
	db := newMemDB()

	return &fixture{
		db:            db,
		tx:            &memTx{db: db},
		clock:         newClock(),
		users:         &memUserRepo{db: db},
		idempotency:   &memIdempotencyRepo{db: db},
		outbox:        &memOutboxRepo{db: db},
		notifications: &memNotificationRepo{db: db},
	}
}

func (f *fixture) idempotencyService() IdempotencyService {
	return NewIdempotencyServiceImpl(f.idempotency, f.tx, 24*time.Hour, f.clock.Now)
}

func (f *fixture) userService() UserService {
	return NewUserServiceImpl(f.users, f.outbox, f.idempotencyService(), f.tx, f.clock.Now)
}
