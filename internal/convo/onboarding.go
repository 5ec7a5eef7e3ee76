package convo

import "toolbot/internal/repo"

// Phase is the user's registration phase. It is derived from stored data on
// every message; nothing persists a "current state" field.
type Phase int

const (
	// PhaseUnknownTenant means the phone is bound to no tenant yet; the only
	// way forward is a valid join code.
	PhaseUnknownTenant Phase = iota
	// PhaseAwaitingName means a pending stub exists but no display name.
	PhaseAwaitingName
	// PhaseAwaitingGroup means the tenant requires a group pick the user has
	// not made yet.
	PhaseAwaitingGroup
	// PhaseActive grants full access to checkout/checkin/status/availability.
	PhaseActive
)

// PhaseFor recomputes the onboarding phase from the stored tenant and user.
func PhaseFor(tenant *repo.Tenant, user *repo.User) Phase {
	if tenant == nil || user == nil {
		return PhaseUnknownTenant
	}
	if user.Name == "" {
		return PhaseAwaitingName
	}
	if tenant.GroupRequired() && user.Group == nil {
		return PhaseAwaitingGroup
	}
	return PhaseActive
}

func (p Phase) String() string {
	switch p {
	case PhaseUnknownTenant:
		return "unknown_tenant"
	case PhaseAwaitingName:
		return "awaiting_name"
	case PhaseAwaitingGroup:
		return "awaiting_group"
	default:
		return "active"
	}
}
