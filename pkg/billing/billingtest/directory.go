package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/meter/pkg/orgs"
)

// Directory is an in-memory orgs.Directory. Error fields, when set, are
// returned by the matching method.
type Directory struct {
	mu sync.Mutex

	integrations map[int64][]orgs.Integration
	members      map[int64][]orgs.Member

	ListErr       error
	DisableErr    error
	MembersErr    error
	DeactivateErr error

	DisableCalls    []int
	MemberToggles   []bool
	SchedulesCalled int
}

// NewDirectory creates an empty Directory
func NewDirectory() *Directory {
	return &Directory{
		integrations: make(map[int64][]orgs.Integration),
		members:      make(map[int64][]orgs.Member),
	}
}

// AddIntegrations adds n active integrations, each connected a minute
// after the previous one
func (d *Directory) AddIntegrations(orgID int64, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := len(d.integrations[orgID])
	for i := 0; i < n; i++ {
		idx := existing + i
		d.integrations[orgID] = append(d.integrations[orgID], orgs.Integration{
			ID:             int64(idx + 1),
			OrganizationID: orgID,
			CreatedAt:      base.Add(time.Duration(idx) * time.Minute),
		})
	}
}

// AddMember adds a member
func (d *Directory) AddMember(m orgs.Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.OrganizationID] = append(d.members[m.OrganizationID], m)
}

// ActiveCount returns the number of enabled integrations
func (d *Directory) ActiveCount(orgID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, i := range d.integrations[orgID] {
		if !i.Disabled {
			n++
		}
	}
	return n
}

// ListActiveIntegrations implements orgs.IntegrationManager
func (d *Directory) ListActiveIntegrations(ctx context.Context, orgID int64) ([]orgs.Integration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return nil, d.ListErr
	}
	var out []orgs.Integration
	for _, i := range d.integrations[orgID] {
		if !i.Disabled {
			out = append(out, i)
		}
	}
	return out, nil
}

// DisableIntegrations disables the newest count active integrations
func (d *Directory) DisableIntegrations(ctx context.Context, orgID int64, count int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DisableErr != nil {
		return 0, d.DisableErr
	}
	d.DisableCalls = append(d.DisableCalls, count)

	list := d.integrations[orgID]
	idx := make([]int, 0, len(list))
	for i := range list {
		if !list[i].Disabled {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return list[idx[a]].CreatedAt.After(list[idx[b]].CreatedAt) })

	n := 0
	for _, i := range idx {
		if n == count {
			break
		}
		list[i].Disabled = true
		n++
	}
	return n, nil
}

// DeactivateSchedules implements orgs.IntegrationManager
func (d *Directory) DeactivateSchedules(ctx context.Context, orgID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DeactivateErr != nil {
		return d.DeactivateErr
	}
	d.SchedulesCalled++
	return nil
}

// SetNonSuperAdminsDisabled implements orgs.MemberManager
func (d *Directory) SetNonSuperAdminsDisabled(ctx context.Context, orgID int64, disabled bool) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MembersErr != nil {
		return 0, d.MembersErr
	}
	d.MemberToggles = append(d.MemberToggles, disabled)
	var n int64
	for i := range d.members[orgID] {
		m := &d.members[orgID][i]
		if m.Role != orgs.RoleSuperAdmin && m.Disabled != disabled {
			m.Disabled = disabled
			n++
		}
	}
	return n, nil
}

// ListMembers implements orgs.MemberManager
func (d *Directory) ListMembers(ctx context.Context, orgID int64) ([]orgs.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]orgs.Member, len(d.members[orgID]))
	copy(out, d.members[orgID])
	return out, nil
}

var _ orgs.Directory = (*Directory)(nil)
