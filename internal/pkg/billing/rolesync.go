package billing

import (
	"fmt"

	"github.com/crewdeskhq/crewdesk/app/models"
)

// RoleSynchronizer is the single writer of billing-derived role state. It
// applies a desired billing role as a set-difference update, preserving the
// admin role unconditionally.
type RoleSynchronizer struct {
	repo Repository
}

// NewRoleSynchronizer creates a role synchronizer.
func NewRoleSynchronizer(repo Repository) *RoleSynchronizer {
	return &RoleSynchronizer{repo: repo}
}

// SyncRole makes the user's role set exactly {desired} plus admin if the
// user currently holds it. Calling it twice with the same desired role is a
// no-op; admin is never removed here.
func (s *RoleSynchronizer) SyncRole(userID uint, desired string) error {
	if !models.IsBillingRole(desired) {
		return fmt.Errorf("invalid billing role %q", desired)
	}
	return s.repo.UpdateUserRoles(userID, func(current []string) (add, remove []string) {
		hasDesired := false
		for _, name := range current {
			switch {
			case name == models.RoleAdmin:
				// Admin is orthogonal to billing state and stays put.
			case name == desired:
				hasDesired = true
			default:
				remove = append(remove, name)
			}
		}
		if !hasDesired {
			add = append(add, desired)
		}
		return add, remove
	})
}
