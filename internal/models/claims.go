package models

import "github.com/golang-jwt/jwt/v5"

// Roles a requester can act under.
const (
	RoleGuardian = "guardian"
	RoleStudent  = "student"
)

// Claims defines the structure of the JWT claims issued by the external
// identity service. Subject carries the guardian or subject id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}
