// Package rbac decides which agent roles may perform which actions.
package rbac

type Role string
type Action string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionReply    Action = "reply"
	ActionStatus   Action = "status"
	ActionSchedule Action = "schedule"
	ActionChannels Action = "channels"
	ActionMigrate  Action = "migrate"
	ActionAdmin    Action = "admin"
)

var grants = map[Role]map[Action]bool{
	RoleAgent: {
		ActionRead:     true,
		ActionReply:    true,
		ActionStatus:   true,
		ActionSchedule: true,
	},
	RoleSupervisor: {
		ActionRead:     true,
		ActionReply:    true,
		ActionStatus:   true,
		ActionSchedule: true,
		ActionChannels: true,
		ActionMigrate:  true,
	},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	return grants[role][action]
}

// Normalize maps unknown or empty roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return Role(role)
	default:
		return RoleAgent
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}
