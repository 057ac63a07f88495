package auth

type Role string

const (
	RoleCustomer Role = "customer"
	RoleHelper   Role = "helper"
	RoleAdmin    Role = "admin"
)

// Identity is the caller named by a verified token.
type Identity struct {
	UserID string
	Role   Role
}
