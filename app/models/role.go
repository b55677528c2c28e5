package models

import "time"

// Role names. Admin is orthogonal to the billing-derived roles; a user holds
// at most one of premium/trial/free at a time.
const (
	RoleAdmin   = "admin"
	RolePremium = "premium"
	RoleTrial   = "trial"
	RoleFree    = "free"
)

// Role is a named role assignable to users via the user_roles join table.
type Role struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(50);uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsBillingRole reports whether the role name is one of the mutually
// exclusive billing-derived roles.
func IsBillingRole(name string) bool {
	switch name {
	case RolePremium, RoleTrial, RoleFree:
		return true
	default:
		return false
	}
}
