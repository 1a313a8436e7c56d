package application

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/google/uuid"
)

type fakeTransactions struct {
	mu   sync.Mutex
	rows map[string]*domain.Transaction
}

func newFakeTransactions() *fakeTransactions {
	return &fakeTransactions{rows: make(map[string]*domain.Transaction)}
}

func (f *fakeTransactions) Create(_ context.Context, tx *domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[tx.Reference]; ok {
		return domain.ErrIdempotencyConflict
	}
	cp := *tx
	f.rows[tx.Reference] = &cp
	return nil
}

func (f *fakeTransactions) UpdateStatus(_ context.Context, reference string, to domain.TransactionStatus, providerRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.rows[reference]
	if !ok {
		return false, domain.ErrTransactionNotFound
	}
	switch tx.Status {
	case to:
		return false, nil
	case domain.TransactionPending:
		tx.Status = to
		if providerRef != "" {
			tx.ProviderReference = providerRef
		}
		return true, nil
	default:
		return false, domain.ErrIdempotencyConflict
	}
}

func (f *fakeTransactions) SetProviderReference(_ context.Context, reference, providerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.rows[reference]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	tx.ProviderReference = providerRef
	return nil
}

func (f *fakeTransactions) FindByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.rows[reference]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeTransactions) FindByProviderReference(_ context.Context, provider, providerRef string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.rows {
		if tx.Provider == provider && tx.ProviderReference == providerRef {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (f *fakeTransactions) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range f.rows {
		if tx.UserID == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTransactions) status(reference string) domain.TransactionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[reference].Status
}

type fakeSubscriptions struct {
	mu   sync.Mutex
	rows map[string]domain.Subscription
	err  error
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{rows: make(map[string]domain.Subscription)}
}

func (f *fakeSubscriptions) FindByUserID(_ context.Context, userID string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.rows[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeSubscriptions) FindByUserIDForUpdate(ctx context.Context, userID string) (*domain.Subscription, error) {
	return f.FindByUserID(ctx, userID)
}

func (f *fakeSubscriptions) Upsert(_ context.Context, s *domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	cp.ClearDomainEvents()
	f.rows[s.UserID] = cp
	return nil
}

func (f *fakeSubscriptions) EndPeriod(_ context.Context, userID string, periodEnd time.Time, status domain.SubscriptionStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[userID]
	if !ok || s.Status != domain.SubscriptionActive || !s.PeriodEnd.Equal(periodEnd) {
		return false, nil
	}
	s.Status = status
	f.rows[userID] = s
	return true, nil
}

func (f *fakeSubscriptions) get(userID string) domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[userID]
}

type fakeUsage struct {
	mu      sync.Mutex
	records []domain.UsageRecord
	err     error
}

func (f *fakeUsage) Append(_ context.Context, r *domain.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *r)
	return nil
}

func (f *fakeUsage) add(userID string, feature domain.Feature, count int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, domain.UsageRecord{
		ID: uuid.New(), UserID: userID, Feature: feature, Count: count, RecordedAt: at.UTC(),
	})
}

func (f *fakeUsage) CountSince(_ context.Context, userID string, feature domain.Feature, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	total := 0
	for _, r := range f.records {
		if r.UserID == userID && r.Feature == feature && !r.RecordedAt.Before(since) {
			total += r.Count
		}
	}
	return total, nil
}

func (f *fakeUsage) FirstUsageAt(_ context.Context, userID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var first *time.Time
	for _, r := range f.records {
		if r.UserID == userID && (first == nil || r.RecordedAt.Before(*first)) {
			at := r.RecordedAt
			first = &at
		}
	}
	return first, nil
}

func (f *fakeUsage) Totals(_ context.Context, userID string, from, to time.Time) (map[domain.Feature]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[domain.Feature]int)
	for _, r := range f.records {
		if r.UserID == userID && !r.RecordedAt.Before(from) && r.RecordedAt.Before(to) {
			out[r.Feature] += r.Count
		}
	}
	return out, nil
}

type fakeWebhooks struct {
	mu     sync.Mutex
	events map[uuid.UUID]*domain.WebhookEvent
	err    error
}

func newFakeWebhooks() *fakeWebhooks {
	return &fakeWebhooks{events: make(map[uuid.UUID]*domain.WebhookEvent)}
}

func (f *fakeWebhooks) Save(_ context.Context, e *domain.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *e
	f.events[e.ID] = &cp
	return nil
}

func (f *fakeWebhooks) MarkProcessed(_ context.Context, id uuid.UUID, outcome string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return errors.New("unknown webhook event")
	}
	e.Processed = true
	e.Outcome = outcome
	e.ProcessedAt = &at
	return nil
}

func (f *fakeWebhooks) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeWebhooks) outcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Outcome)
	}
	slices.Sort(out)
	return out
}

// fakeProvider accepts webhooks signed with the header X-Test-Signature: ok
// and a JSON body of {"event","reference","provider_reference","outcome"}.
type fakeProvider struct {
	name       string
	currencies []string

	mu          sync.Mutex
	initErr     error
	initResult  *domain.InitializeResult
	verify      *domain.VerifyResult
	verifyErr   error
	verifyCalls int
	lastInit    domain.InitializeRequest
}

func newFakeProvider(name string, currencies ...string) *fakeProvider {
	return &fakeProvider{name: name, currencies: currencies}
}

func (p *fakeProvider) Name() string                  { return p.name }
func (p *fakeProvider) SupportedCurrencies() []string { return p.currencies }

func (p *fakeProvider) Describe() domain.ProviderInfo {
	return domain.ProviderInfo{Name: p.name, DisplayName: p.name, Currencies: p.currencies}
}

func (p *fakeProvider) Initialize(_ context.Context, req domain.InitializeRequest) (*domain.InitializeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastInit = req
	if p.initErr != nil {
		return nil, p.initErr
	}
	if p.initResult != nil {
		return p.initResult, nil
	}
	return &domain.InitializeResult{AuthorizationURL: "https://pay.test/" + req.Reference, AccessCode: "acc_1"}, nil
}

func (p *fakeProvider) Verify(_ context.Context, _ domain.PaymentRef) (*domain.VerifyResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifyCalls++
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	return p.verify, nil
}

func (p *fakeProvider) ParseWebhook(headers domain.Headers, body []byte) (*domain.WebhookNotification, error) {
	if headers.Get("X-Test-Signature") != "ok" {
		return nil, domain.ErrSignatureInvalid
	}
	var payload struct {
		Event             string `json:"event"`
		Reference         string `json:"reference"`
		ProviderReference string `json:"provider_reference"`
		Outcome           string `json:"outcome"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return &domain.WebhookNotification{
		EventType:         payload.Event,
		Reference:         payload.Reference,
		ProviderReference: payload.ProviderReference,
		Outcome:           domain.PaymentOutcome(payload.Outcome),
	}, nil
}

type fakeGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeGuard() *fakeGuard { return &fakeGuard{seen: make(map[string]bool)} }

func (g *fakeGuard) FirstSeen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *fakeGuard) Forget(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}

type fakeLimiter struct {
	allow bool
	err   error
}

func (l fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, l.err }

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
