package model

import (
	"sort"

	"github.com/google/uuid"
)

// Team is a backend team the self user belongs to.
type Team struct {
	ID      uuid.UUID
	Name    string
	Members map[uuid.UUID]*Member

	NeedsToBeUpdatedFromBackend bool
}

func (t *Team) ObjectID() ObjectID { return ObjectID("team:" + t.ID.String()) }

// MemberUsers returns the users of all members ordered by id.
func (t *Team) MemberUsers() []*User {
	out := make([]*User, 0, len(t.Members))
	for _, m := range t.Members {
		out = append(out, m.User)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })

	return out
}

// Member links a user to a team.
type Member struct {
	Team        *Team
	User        *User
	Permissions Permissions
}

func (m *Member) ObjectID() ObjectID {
	return ObjectID("member:" + m.Team.ID.String() + ":" + m.User.ID.String())
}

// Permissions is a bitmask of team permissions.
type Permissions uint64

const (
	PermissionCreateConversation Permissions = 1 << iota
	PermissionDeleteConversation
	PermissionAddTeamMember
	PermissionRemoveTeamMember
	PermissionAddConversationMember
	PermissionRemoveConversationMember
	PermissionGetBilling
	PermissionSetBilling
	PermissionSetTeamData
	PermissionGetMemberPermissions
	PermissionGetTeamConversations
	PermissionDeleteTeam
	PermissionSetMemberPermissions
)

var permissionNames = map[string]Permissions{
	"CreateConversation":       PermissionCreateConversation,
	"DeleteConversation":       PermissionDeleteConversation,
	"AddTeamMember":            PermissionAddTeamMember,
	"RemoveTeamMember":         PermissionRemoveTeamMember,
	"AddConversationMember":    PermissionAddConversationMember,
	"RemoveConversationMember": PermissionRemoveConversationMember,
	"GetBilling":               PermissionGetBilling,
	"SetBilling":               PermissionSetBilling,
	"SetTeamData":              PermissionSetTeamData,
	"GetMemberPermissions":     PermissionGetMemberPermissions,
	"GetTeamConversations":     PermissionGetTeamConversations,
	"DeleteTeam":               PermissionDeleteTeam,
	"SetMemberPermissions":     PermissionSetMemberPermissions,
}

// ParsePermissions converts the backend's permission names. Unknown
// names are ignored.
func ParsePermissions(names []string) Permissions {
	var p Permissions
	for _, n := range names {
		p |= permissionNames[n]
	}

	return p
}

// Has reports whether all bits of q are set.
func (p Permissions) Has(q Permissions) bool { return p&q == q }
