package convo

import (
	"testing"

	"toolbot/internal/repo"
)

func TestPhaseForDerivation(t *testing.T) {
	crew := "framing"
	grouped := &repo.Tenant{GroupsEnabled: true, GroupNames: []string{"framing", "roofing"}}
	plain := &repo.Tenant{}

	cases := []struct {
		name   string
		tenant *repo.Tenant
		user   *repo.User
		want   Phase
	}{
		{"no tenant", nil, &repo.User{Name: "Maya"}, PhaseUnknownTenant},
		{"no user", plain, nil, PhaseUnknownTenant},
		{"pending name", plain, &repo.User{}, PhaseAwaitingName},
		{"named, no groups", plain, &repo.User{Name: "Maya"}, PhaseActive},
		{"named, group required", grouped, &repo.User{Name: "Maya"}, PhaseAwaitingGroup},
		{"group picked", grouped, &repo.User{Name: "Maya", Group: &crew}, PhaseActive},
		{"groups enabled but none configured", &repo.Tenant{GroupsEnabled: true}, &repo.User{Name: "Maya"}, PhaseActive},
	}

	for _, tc := range cases {
		if got := PhaseFor(tc.tenant, tc.user); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
