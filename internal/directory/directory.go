// Package directory models the user directory the bulk pipeline targets.
// The production resolver is backed by the storage layer; tests inject fakes.
package directory

import "context"

// Role tags form a closed set; requests carrying anything else are rejected
// before an operation is created.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
	RoleStaff   Role = "staff"
)

// Roles lists every valid role tag.
var Roles = []Role{RoleAdmin, RoleTeacher, RoleStudent, RoleParent, RoleStaff}

func ValidRole(r Role) bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

// Recipient is a directory entry eligible to receive a bulk message.
// Immutable for the duration of an operation.
type Recipient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Role      Role   `json:"role"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Resolver finds recipients matching one or more role tags. Implementations
// must preserve a stable order across calls; the bulk pipeline's result list
// follows resolver order.
type Resolver interface {
	FindByRoles(ctx context.Context, roles []Role) ([]Recipient, error)
}
