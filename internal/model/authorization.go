package model

import "time"

type Action string

const (
	ActionView   Action = "view"
	ActionManage Action = "manage"
)

// CapabilitySet holds the per-channel permissions of a principal.
type CapabilitySet struct {
	CanView   bool `json:"can_view"`
	CanManage bool `json:"can_manage"`
}

func (c CapabilitySet) Allows(action Action) bool {
	switch action {
	case ActionView:
		return c.CanView
	case ActionManage:
		return c.CanManage
	default:
		return false
	}
}

// AuthorizationProfile is what the identity provider knows about a principal.
type AuthorizationProfile struct {
	PrincipalID  string                    `json:"principal_id"`
	Role         string                    `json:"role"`
	Capabilities map[Channel]CapabilitySet `json:"capabilities"`
}

// Principal is the acting identity of a call.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// PermissionChange announces that a principal's (or a whole role's) capabilities changed.
// An empty PrincipalID means every cached profile is stale.
type PermissionChange struct {
	PrincipalID string    `json:"principal_id,omitempty"`
	Role        string    `json:"role,omitempty"`
	ChangedAt   time.Time `json:"changed_at"`
}
