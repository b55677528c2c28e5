package usercontext

// Shared Locals keys set by the session and API-key middlewares. The values
// match the controllers' session key constants so both auth paths populate
// the same Locals.
const (
	KeyUserID        = "user_id"
	KeyUsername      = "user_name"
	KeyIsAdmin       = "user_is_admin"
	KeyFromProtected = "from_protected"
)
