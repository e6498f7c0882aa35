package uitemplates

// ActiveUserParams holds information about the active user.
type ActiveUserParams struct {
	// LoggedIn is true if the current user is logged in.
	LoggedIn bool

	FullName string
	Role     string

	// IsCaregiver gates the caregiver-only actions.
	IsCaregiver bool
}
