package auth

import "errors"

// ErrUnauthorized is returned when an identity lacks the role or facility
// scope required for an operation. It is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// Role is an operator privilege tier.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleDevAdmin      Role = "dev_admin"
	RoleFacilityAdmin Role = "facility_admin"
	RoleViewer        Role = "viewer"
)

// Identity is an authenticated operator or gateway principal. Facility is
// only meaningful for facility-scoped roles and names the single facility
// the identity may act on.
type Identity struct {
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	Facility string `json:"facility,omitempty"`
}

// CanManageFacility reports whether the identity may register a gateway or
// issue device commands for the given facility. Admins and dev-admins may
// act on any facility; facility-admins only on their own.
func (id Identity) CanManageFacility(facility string) bool {
	switch id.Role {
	case RoleAdmin, RoleDevAdmin:
		return true
	case RoleFacilityAdmin:
		return id.Facility != "" && id.Facility == facility
	default:
		return false
	}
}

// CanViewFacility reports whether the identity may read status for the
// given facility.
func (id Identity) CanViewFacility(facility string) bool {
	if id.Role == RoleViewer {
		return true
	}
	return id.CanManageFacility(facility)
}

// CanViewDebug reports whether the identity may attach to the raw
// diagnostic event stream.
func (id Identity) CanViewDebug() bool {
	return id.Role == RoleAdmin || id.Role == RoleDevAdmin
}

// CanRotateKeys reports whether the identity may run the operations-key
// rotation ceremony. This is the highest privilege tier only.
func (id Identity) CanRotateKeys() bool {
	return id.Role == RoleDevAdmin
}
