package rbac

import "salescoach/api/internal/content"

type Role string
type Action string

const (
	RoleRep     Role = "rep"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionWriteContent covers objections, playbooks and testimonials.
	ActionWriteContent Action = "write_content"
	// ActionWriteRules covers pattern records, which change alerting for
	// every live call of the team.
	ActionWriteRules Action = "write_rules"
	ActionRevoke     Action = "revoke"
)

var grants = map[Role][]Action{
	RoleRep:     {ActionRead},
	RoleManager: {ActionRead, ActionWriteContent},
	RoleAdmin:   {ActionRead, ActionWriteContent, ActionWriteRules, ActionRevoke},
}

// Can reports whether role may perform action on team content.
func Can(role Role, action Action) bool {
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// WriteActionFor is the action needed to create, update or delete a record
// of kind.
func WriteActionFor(kind content.Kind) Action {
	if kind == content.KindPattern {
		return ActionWriteRules
	}
	return ActionWriteContent
}

// Normalize maps unknown roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleRep, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleRep
	}
}
