// Package billingtest provides in-memory implementations of the billing and
// organization collaborators for tests.
package billingtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
)

type usageUnit struct {
	orgID   int64
	feature pricing.Feature
	at      time.Time
}

type eventKey struct {
	provider providers.Provider
	id       string
}

type eventClaim struct {
	receivedAt time.Time
	processed  bool
}

// MemoryStore implements billing.Store and the webhook event log in memory
type MemoryStore struct {
	mu sync.Mutex

	// Now stamps rows; defaults to time.Now
	Now func() time.Time

	orgs      map[int64]*orgs.Organization
	subs      []*billing.Subscription
	nextSubID int64
	codes     map[string]int64
	txs       []billing.PaymentTransaction
	usage     map[string]usageUnit
	events    map[eventKey]*eventClaim
	failures  map[string]error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:       time.Now,
		orgs:      make(map[int64]*orgs.Organization),
		nextSubID: 1,
		codes:     make(map[string]int64),
		usage:     make(map[string]usageUnit),
		events:    make(map[eventKey]*eventClaim),
		failures:  make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with a nil err
func (m *MemoryStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MemoryStore) fail(method string) error {
	return m.failures[method]
}

// AddOrganization stores an organization
func (m *MemoryStore) AddOrganization(org orgs.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := org
	m.orgs[org.ID] = &o
}

// AddUsage records n usage units at the given time
func (m *MemoryStore) AddUsage(orgID int64, feature pricing.Feature, n int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.usage[uuid.NewString()] = usageUnit{orgID: orgID, feature: feature, at: at}
	}
}

// Subscriptions returns copies of every row, deleted ones included
func (m *MemoryStore) Subscriptions(orgID int64) []billing.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.Subscription
	for _, s := range m.subs {
		if s.OrganizationID == orgID {
			out = append(out, *s)
		}
	}
	return out
}

// Transactions returns every ledger row in insertion order
func (m *MemoryStore) Transactions() []billing.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]billing.PaymentTransaction, len(m.txs))
	copy(out, m.txs)
	return out
}

// UsageCount returns the number of recorded units for an organization
func (m *MemoryStore) UsageCount(orgID int64, feature pricing.Feature) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.usage {
		if u.orgID == orgID && u.feature == feature {
			n++
		}
	}
	return n
}

func (m *MemoryStore) active(orgID int64) *billing.Subscription {
	for _, s := range m.subs {
		if s.OrganizationID == orgID && s.DeletedAt == nil {
			return s
		}
	}
	return nil
}

// FindActiveByOrganization implements billing.SubscriptionStore
func (m *MemoryStore) FindActiveByOrganization(ctx context.Context, orgID int64) (*billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindActiveByOrganization"); err != nil {
		return nil, err
	}
	s := m.active(orgID)
	if s == nil {
		return nil, billing.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// UpsertSubscription implements billing.SubscriptionStore
func (m *MemoryStore) UpsertSubscription(ctx context.Context, p billing.UpsertSubscriptionParams) (*billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertSubscription"); err != nil {
		return nil, err
	}

	now := m.Now()
	s := m.active(p.OrganizationID)
	if s == nil {
		s = &billing.Subscription{ID: m.nextSubID, OrganizationID: p.OrganizationID, CreatedAt: now}
		m.nextSubID++
		m.subs = append(m.subs, s)
	} else if s.Lifetime {
		return nil, billing.ErrSubscriptionLocked
	}

	s.Tier = p.Tier
	s.Period = p.Period
	s.TotalChannels = p.TotalChannels
	if p.Provider != "" {
		s.Provider = p.Provider
	}
	if p.ExternalID != "" {
		s.ExternalID = p.ExternalID
	}
	s.Lifetime = p.Lifetime
	s.CancelAt = p.CancelAt
	s.UpdatedAt = now

	cp := *s
	return &cp, nil
}

// SoftDeleteSubscription implements billing.SubscriptionStore
func (m *MemoryStore) SoftDeleteSubscription(ctx context.Context, orgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active(orgID)
	if s == nil {
		return billing.ErrNotFound
	}
	now := m.Now()
	s.DeletedAt = &now
	return nil
}

// ListDueCancellations implements billing.SubscriptionStore
func (m *MemoryStore) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]billing.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []billing.Subscription
	for _, s := range m.subs {
		if s.DeletedAt == nil && s.CancelAt != nil && !s.CancelAt.After(now) && s.Tier != pricing.TierFree {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CancelAt.Before(*out[j].CancelAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimLifetimeCode implements billing.SubscriptionStore
func (m *MemoryStore) ClaimLifetimeCode(ctx context.Context, code string, orgID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.codes[code]; used {
		return false, nil
	}
	m.codes[code] = orgID
	return true, nil
}

// CountByTier implements billing.SubscriptionStore
func (m *MemoryStore) CountByTier(ctx context.Context) (map[pricing.Tier]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[pricing.Tier]int64)
	for _, s := range m.subs {
		if s.DeletedAt == nil {
			out[s.Tier]++
		}
	}
	return out, nil
}

func (m *MemoryStore) org(id int64) (*orgs.Organization, error) {
	o, ok := m.orgs[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// GetOrganization implements billing.OrganizationStore
func (m *MemoryStore) GetOrganization(ctx context.Context, orgID int64) (*orgs.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.org(orgID)
}

// FindOrganizationByExternalCustomerID implements billing.OrganizationStore
func (m *MemoryStore) FindOrganizationByExternalCustomerID(ctx context.Context, id string) (*orgs.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		return nil, billing.ErrNotFound
	}
	for _, o := range m.orgs {
		if o.ExternalCustomerID == id {
			return m.org(o.ID)
		}
	}
	return nil, billing.ErrNotFound
}

// FindOrganizationByCustomerRef implements billing.OrganizationStore
func (m *MemoryStore) FindOrganizationByCustomerRef(ctx context.Context, ref orgs.ExternalCustomerRef) (*orgs.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref.IsZero() {
		return nil, billing.ErrNotFound
	}
	for _, o := range m.orgs {
		if o.CustomerRef != nil && *o.CustomerRef == ref {
			return m.org(o.ID)
		}
	}
	legacy := ref.Legacy()
	for _, o := range m.orgs {
		if o.ExternalCustomerID == legacy {
			return m.org(o.ID)
		}
	}
	return nil, billing.ErrNotFound
}

// FindOrganizationByExternalSubscriptionID implements billing.OrganizationStore
func (m *MemoryStore) FindOrganizationByExternalSubscriptionID(ctx context.Context, id string) (*orgs.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindOrganizationByExternalSubscriptionID"); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, billing.ErrNotFound
	}

	var best *billing.Subscription
	for _, s := range m.subs {
		if s.ExternalID != id {
			continue
		}
		if best == nil || (best.DeletedAt != nil && s.DeletedAt == nil) ||
			((best.DeletedAt == nil) == (s.DeletedAt == nil) && s.UpdatedAt.After(best.UpdatedAt)) {
			best = s
		}
	}
	if best != nil {
		if o, err := m.org(best.OrganizationID); err == nil {
			return o, nil
		}
	}
	for _, o := range m.orgs {
		if o.ExternalCustomerID != "" && strings.Contains(o.ExternalCustomerID, id) {
			return m.org(o.ID)
		}
	}
	for _, o := range m.orgs {
		if o.ExternalCustomerID == id {
			return m.org(o.ID)
		}
	}
	return nil, billing.ErrNotFound
}

// SetCustomerRef implements billing.OrganizationStore
func (m *MemoryStore) SetCustomerRef(ctx context.Context, orgID int64, ref orgs.ExternalCustomerRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[orgID]
	if !ok {
		return billing.ErrNotFound
	}
	r := ref
	o.CustomerRef = &r
	o.ExternalCustomerID = ref.Legacy()
	return nil
}

// AppendTransaction implements billing.LedgerStore
func (m *MemoryStore) AppendTransaction(ctx context.Context, tx *billing.PaymentTransaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendTransaction"); err != nil {
		return "", err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.CreatedAt = m.Now()
	m.txs = append(m.txs, *tx)
	return tx.ID, nil
}

// GetTransaction implements billing.LedgerStore
func (m *MemoryStore) GetTransaction(ctx context.Context, orgID int64, id string) (*billing.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.ID == id && tx.OrganizationID == orgID {
			cp := tx
			return &cp, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (m *MemoryStore) newestFirst(match func(billing.PaymentTransaction) bool) []billing.PaymentTransaction {
	var out []billing.PaymentTransaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if match(m.txs[i]) {
			out = append(out, m.txs[i])
		}
	}
	return out
}

// ListTransactions implements billing.LedgerStore
func (m *MemoryStore) ListTransactions(ctx context.Context, orgID int64, limit, offset int) ([]billing.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.newestFirst(func(tx billing.PaymentTransaction) bool { return tx.OrganizationID == orgID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListFailedPayments implements billing.LedgerStore
func (m *MemoryStore) ListFailedPayments(ctx context.Context, orgID int64) ([]billing.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestFirst(func(tx billing.PaymentTransaction) bool {
		return tx.OrganizationID == orgID && tx.Status == billing.TransactionFailed
	}), nil
}

// UpdateTransactionStatus implements billing.LedgerStore
func (m *MemoryStore) UpdateTransactionStatus(ctx context.Context, id string, from, to billing.TransactionStatus, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !billing.CanTransition(from, to) {
		return billing.ErrStatusTransition
	}
	for i := range m.txs {
		if m.txs[i].ID == id {
			if m.txs[i].Status != from {
				return billing.ErrStatusTransition
			}
			m.txs[i].Status = to
			t := processedAt
			m.txs[i].ProcessedAt = &t
			return nil
		}
	}
	return billing.ErrNotFound
}

// SumAmountByStatus implements billing.LedgerStore
func (m *MemoryStore) SumAmountByStatus(ctx context.Context) (map[billing.TransactionStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[billing.TransactionStatus]int64)
	for _, tx := range m.txs {
		out[tx.Status] += tx.Amount
	}
	return out, nil
}

// SumUsage implements billing.UsageStore
func (m *MemoryStore) SumUsage(ctx context.Context, orgID int64, feature pricing.Feature, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SumUsage"); err != nil {
		return 0, err
	}
	var n int64
	for _, u := range m.usage {
		if u.orgID == orgID && u.feature == feature && !u.at.Before(since) {
			n++
		}
	}
	return n, nil
}

// InsertUsageUnit implements billing.UsageStore
func (m *MemoryStore) InsertUsageUnit(ctx context.Context, orgID int64, feature pricing.Feature) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertUsageUnit"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.usage[id] = usageUnit{orgID: orgID, feature: feature, at: m.Now()}
	return id, nil
}

// DeleteUsageUnit implements billing.UsageStore
func (m *MemoryStore) DeleteUsageUnit(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.usage, id)
	return nil
}

// ClaimWebhookEvent implements the webhook event log. An unprocessed claim
// older than billing.WebhookClaimTTL is taken over.
func (m *MemoryStore) ClaimWebhookEvent(ctx context.Context, provider providers.Provider, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ClaimWebhookEvent"); err != nil {
		return false, err
	}
	now := m.Now()
	k := eventKey{provider, eventID}
	if c, ok := m.events[k]; ok {
		if c.processed || now.Sub(c.receivedAt) < billing.WebhookClaimTTL {
			return false, nil
		}
		c.receivedAt = now
		return true, nil
	}
	m.events[k] = &eventClaim{receivedAt: now}
	return true, nil
}

// MarkWebhookEventProcessed implements the webhook event log
func (m *MemoryStore) MarkWebhookEventProcessed(ctx context.Context, provider providers.Provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.events[eventKey{provider, eventID}]; ok {
		c.processed = true
	}
	return nil
}

// ReleaseWebhookEvent implements the webhook event log
func (m *MemoryStore) ReleaseWebhookEvent(ctx context.Context, provider providers.Provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{provider, eventID}
	if c, ok := m.events[k]; ok && !c.processed {
		delete(m.events, k)
	}
	return nil
}

// EventProcessed reports whether a webhook event was marked processed
func (m *MemoryStore) EventProcessed(provider providers.Provider, eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.events[eventKey{provider, eventID}]
	return ok && c.processed
}

// EventClaimed reports whether a webhook event holds a claim, processed or not
func (m *MemoryStore) EventClaimed(provider providers.Provider, eventID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[eventKey{provider, eventID}]
	return ok
}

var _ billing.Store = (*MemoryStore)(nil)
