package rbac

import (
	"context"
	"errors"
	"fmt"
)

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleManager     Role = "manager"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionPropose Action = "propose"
	ActionManage  Action = "manage"
)

var ErrForbidden = errors.New("forbidden")

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionPropose || action == ActionManage
	case RoleContributor:
		return action == ActionRead || action == ActionPropose
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

var roleRank = map[Role]int{
	RoleViewer:      1,
	RoleContributor: 2,
	RoleManager:     3,
	RoleAdmin:       4,
}

// Strongest returns the highest role any grant carries, ignoring scope.
// A user without grants is a viewer.
func Strongest(grants []Grant) Role {
	best := RoleViewer
	for _, grant := range grants {
		if roleRank[grant.Role] > roleRank[best] {
			best = grant.Role
		}
	}
	return best
}

// Grant is one permission row. A grant without a cave or county scope
// applies to the whole account.
type Grant struct {
	Role     Role
	CountyID *string
	CaveID   *string
}

// Covers reports whether the grant's scope includes the cave or county.
func (g Grant) Covers(caveID, countyID string) bool {
	switch {
	case g.CaveID != nil:
		return caveID != "" && *g.CaveID == caveID
	case g.CountyID != nil:
		return countyID != "" && *g.CountyID == countyID
	default:
		return true
	}
}

// Allows reports whether any grant permits action on the cave or county.
func Allows(grants []Grant, action Action, caveID, countyID string) bool {
	for _, grant := range grants {
		if Can(grant.Role, action) && grant.Covers(caveID, countyID) {
			return true
		}
	}
	return false
}

type GrantSource interface {
	ListGrants(ctx context.Context, accountID, userID string) ([]Grant, error)
}

type Checker struct {
	source GrantSource
}

func NewChecker(source GrantSource) *Checker {
	return &Checker{source: source}
}

// AuthorizeManage returns nil only when the user holds a manage grant for the
// cave or its county. Lookup failures deny.
func (c *Checker) AuthorizeManage(ctx context.Context, accountID, userID, caveID, countyID string) error {
	if c == nil || c.source == nil {
		return ErrForbidden
	}
	grants, err := c.source.ListGrants(ctx, accountID, userID)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	if !Allows(grants, ActionManage, caveID, countyID) {
		return ErrForbidden
	}
	return nil
}
