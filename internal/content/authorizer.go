package content

// Intent distinguishes read access from mutation when deciding entity access.
type Intent string

const (
	// IntentRead asks whether the principal may view the entity.
	IntentRead Intent = "read"
	// IntentWrite asks whether the principal may mutate the entity.
	IntentWrite Intent = "write"
)

// Principal is the authenticated actor behind a request. A zero Principal is
// anonymous.
type Principal struct {
	ID    string
	Staff bool
}

// Anonymous reports whether the principal carries no identity.
func (p Principal) Anonymous() bool {
	return p.ID == ""
}

// CanAccess is the pure access decision for a visibility-bearing entity.
// Write access belongs to the owner alone; the staff flag widens reads only.
// Dependent entities (comments, media, likes) pass their parent post's owner
// and visibility, which collapses their access to the parent's read rule.
func CanAccess(principal Principal, ownerID string, visibility Visibility, intent Intent) bool {
	switch intent {
	case IntentWrite:
		return !principal.Anonymous() && principal.ID == ownerID
	case IntentRead:
		if visibility == VisibilityPublic {
			return true
		}
		return principal.Staff || (!principal.Anonymous() && principal.ID == ownerID)
	default:
		return false
	}
}
