package rbac

// Role names. Keep these stable; they are persisted in the directory and
// returned to clients.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest" // any identity without a directory record
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsValid(role string) bool {
	switch role {
	case RoleAdmin, RoleUser, RoleGuest:
		return true
	default:
		return false
	}
}
