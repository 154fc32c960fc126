package model

// Role names carried in bearer tokens.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
)

// Actor identifies who is driving an operation.
type Actor struct {
	ID     string
	Roles  []string
	System bool // Set for the scheduled sweep
}

// SystemActor is the identity the sweep acts under.
var SystemActor = Actor{ID: "system", System: true}

// HasRole reports whether the actor carries role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the actor may administer any battle.
func (a Actor) IsAdmin() bool {
	return a.System || a.HasRole(RoleAdmin)
}
