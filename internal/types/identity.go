package types

// Role is the authenticated role of a caller
type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleAgent    Role = "AGENT"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent || r == RoleAdmin
}

// ConnectionKey identifies one live connection. SessionID is only set for customers.
type ConnectionKey struct {
	TenantID      string
	Role          Role
	ParticipantID string
	SessionID     string
}
