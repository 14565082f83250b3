package models

// RoleAdmin is the only role allowed to read the live snapshot.
const RoleAdmin = "admin"

// Principal is the verdict of the authentication collaborator.
type Principal struct {
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
}

type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}
