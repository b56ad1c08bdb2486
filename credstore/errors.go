package credstore

import "fmt"

type (
	// Conflict indicates a registration hit the unique constraint on
	// username or email. The message never says which one.
	Conflict struct {
		Username string
		Email    string
	}

	// AuthFailure indicates a login could not be verified. Unknown
	// usernames and wrong passwords produce the same value so callers
	// cannot tell them apart.
	AuthFailure struct{}

	// UserNotFound indicates a lookup by id or username missed.
	UserNotFound struct {
		ID       int64
		Username string
	}

	// VarNotFound indicates the user has no environment variable with
	// the given name.
	VarNotFound struct {
		Name string
	}

	// InvalidScope indicates a grant named a scope outside the catalog.
	InvalidScope struct {
		Scope string
	}
)

func (c Conflict) Error() string {
	return "username or email already registered"
}

func (a AuthFailure) Error() string {
	return "incorrect username or password"
}

func (u UserNotFound) Error() string {
	if u.Username != "" {
		return fmt.Sprintf("user %v not found", u.Username)
	}
	return fmt.Sprintf("user %v not found", u.ID)
}

func (v VarNotFound) Error() string {
	return fmt.Sprintf("environment variable %v not found", v.Name)
}

func (i InvalidScope) Error() string {
	return fmt.Sprintf("scope %v is not part of the catalog", i.Scope)
}
