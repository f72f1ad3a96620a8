package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/PortNumber53/indigenious/backend/internal/models"
	"github.com/PortNumber53/indigenious/backend/internal/store"
	stripeclient "github.com/PortNumber53/indigenious/backend/internal/stripe"
)

// memDB is an in-memory stand-in for the Postgres store. InTx restores the
// previous state when fn fails, like a rollback.
type memDB struct {
	mu         sync.Mutex
	accounts   map[string]models.Account
	businesses map[string]models.Business
	subs       map[string]models.Subscription
	audits     []models.AuditLogEntry
	jobs       []models.Job
	nextID     int64
	ops        []string
}

var _ store.Queries = (*memDB)(nil)

func newMemDB() *memDB {
	return &memDB{
		accounts:   map[string]models.Account{},
		businesses: map[string]models.Business{},
		subs:       map[string]models.Subscription{},
	}
}

func (m *memDB) seedOwner(userID, businessID string) {
	m.accounts[userID] = models.Account{
		ID:       userID,
		Email:    userID + "@example.com",
		Locale:   "en",
		UserType: models.UserTypeCanadianBusiness,
		Status:   models.AccountStatusActive,
	}
	m.businesses[businessID] = models.Business{
		ID:                businessID,
		UserID:            userID,
		BusinessName:      "Acme",
		OpenToPartnership: true,
	}
}

func (m *memDB) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := copyMap(m.accounts)
	businesses := copyMap(m.businesses)
	subs := copyMap(m.subs)
	audits := append([]models.AuditLogEntry(nil), m.audits...)
	jobs := append([]models.Job(nil), m.jobs...)
	nextID := m.nextID

	if err := fn(m); err != nil {
		m.accounts, m.businesses, m.subs = accounts, businesses, subs
		m.audits, m.jobs, m.nextID = audits, jobs, nextID
		return err
	}
	return nil
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memDB) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memDB) GetAccount(_ context.Context, id string) (*models.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &a, nil
}

func (m *memDB) GetBusiness(_ context.Context, id string) (*models.Business, error) {
	b, ok := m.businesses[id]
	if !ok {
		return nil, store.ErrBusinessNotFound
	}
	return &b, nil
}

func (m *memDB) LockSubscriptionKey(_ context.Context, id string) error {
	m.ops = append(m.ops, "lock "+id)
	return nil
}

func (m *memDB) GetSubscriptionByStripeID(_ context.Context, id string) (*models.Subscription, error) {
	s, ok := m.subs[id]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	return &s, nil
}

func (m *memDB) InsertSubscription(_ context.Context, sub *models.Subscription) (bool, error) {
	m.ops = append(m.ops, "insert "+sub.StripeSubscriptionID)
	if _, ok := m.subs[sub.StripeSubscriptionID]; ok {
		return false, nil
	}
	if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
		return false, fmt.Errorf("check constraint violated")
	}
	sub.ID = m.id()
	m.subs[sub.StripeSubscriptionID] = *sub
	return true, nil
}

func (m *memDB) UpdateSubscriptionState(_ context.Context, id string, upd models.SubscriptionUpdate) error {
	s, ok := m.subs[id]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	s.Status = upd.Status
	s.CurrentPeriodStart = upd.CurrentPeriodStart
	s.CurrentPeriodEnd = upd.CurrentPeriodEnd
	s.CancelAtPeriodEnd = upd.CancelAtPeriodEnd
	s.CancelledAt = upd.CancelledAt
	eventAt := upd.EventAt
	s.LastEventAt = &eventAt
	m.subs[id] = s
	return nil
}

func (m *memDB) UpdateAccountLocale(_ context.Context, userID, locale string) error {
	a := m.accounts[userID]
	a.Locale = locale
	m.accounts[userID] = a
	return nil
}

func (m *memDB) SetAccountStatus(_ context.Context, userID string, status models.AccountStatus) error {
	a := m.accounts[userID]
	a.Status = status
	m.accounts[userID] = a
	return nil
}

func (m *memDB) SetBusinessPaymentSuspension(_ context.Context, businessID string, suspended bool) error {
	b := m.businesses[businessID]
	b.OpenToPartnership = !suspended
	b.SuspendedForPayment = suspended
	m.businesses[businessID] = b
	return nil
}

func (m *memDB) MarkPaymentMethodAttached(_ context.Context, customerID string) (bool, error) {
	for id, a := range m.accounts {
		if a.StripeCustomerID != nil && *a.StripeCustomerID == customerID {
			a.HasPaymentMethod = true
			m.accounts[id] = a
			return true, nil
		}
	}
	return false, nil
}

func (m *memDB) InsertAuditLog(_ context.Context, entry *models.AuditLogEntry) error {
	entry.ID = m.id()
	m.audits = append(m.audits, *entry)
	return nil
}

func (m *memDB) Enqueue(_ context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.DedupeKey != nil {
		m.ops = append(m.ops, "enqueue "+*job.DedupeKey)
	}
	job.ID = m.id()
	job.Status = models.JobStatusPending
	m.jobs = append(m.jobs, *job)
	return nil
}

func (m *memDB) ListPendingJobsByKey(_ context.Context, jobType, key string) ([]*models.Job, error) {
	var out []*models.Job
	for i := range m.jobs {
		j := m.jobs[i]
		if j.Status == models.JobStatusPending && j.JobType == jobType && j.DedupeKey != nil && *j.DedupeKey == key {
			out = append(out, &j)
		}
	}
	return out, nil
}

func (m *memDB) setJobStatus(id int64, status models.JobStatus) {
	for i := range m.jobs {
		if m.jobs[i].ID == id {
			m.jobs[i].Status = status
		}
	}
}

func (m *memDB) MarkCompleted(_ context.Context, id int64) error {
	m.setJobStatus(id, models.JobStatusCompleted)
	return nil
}

func (m *memDB) MarkFailed(_ context.Context, id int64, _ string) error {
	m.setJobStatus(id, models.JobStatusFailed)
	return nil
}

func (m *memDB) auditActions() []string {
	var out []string
	for _, a := range m.audits {
		out = append(out, a.Action)
	}
	return out
}

func (m *memDB) pendingJobs() int {
	n := 0
	for _, j := range m.jobs {
		if j.Status == models.JobStatusPending {
			n++
		}
	}
	return n
}

type fakeStripe struct {
	subs  map[string]stripeclient.Subscription
	err   error
	calls int
}

func (f *fakeStripe) GetSubscription(_ context.Context, id string) (stripeclient.Subscription, error) {
	f.calls++
	if f.err != nil {
		return stripeclient.Subscription{}, f.err
	}
	s, ok := f.subs[id]
	if !ok {
		return stripeclient.Subscription{}, fmt.Errorf("no such subscription: %s", id)
	}
	return s, nil
}
