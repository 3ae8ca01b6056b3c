package roles

import "fmt"

// Role represents a project-level role
type Role string

const (
	RoleOwner  Role = "owner"  // Project owner, full control
	RoleAdmin  Role = "admin"  // Can manage collaborators and project settings
	RoleEditor Role = "editor" // Can create and edit tasks
	RoleViewer Role = "viewer" // Read-only access
)

// Permission represents an action that can be performed within a project
type Permission string

const (
	PermissionViewOnly            Permission = "view_only"
	PermissionCreateTasks         Permission = "create_tasks"
	PermissionEditTasks           Permission = "edit_tasks"
	PermissionDeleteTasks         Permission = "delete_tasks"
	PermissionAssignTasks         Permission = "assign_tasks"
	PermissionEditProject         Permission = "edit_project"
	PermissionDeleteProject       Permission = "delete_project"
	PermissionManageCollaborators Permission = "manage_collaborators"
	PermissionManageLabels        Permission = "manage_labels"
	PermissionShareProject        Permission = "share_project"
	PermissionViewCollaborators   Permission = "view_collaborators"
)

// GrantableRoles returns the roles that can be granted through a sharing
// token. Ownership is never granted by token; it is transferred explicitly.
func GrantableRoles() []Role {
	return []Role{RoleViewer, RoleEditor, RoleAdmin}
}

// Parse validates a role string and returns the typed role
func Parse(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// IsGrantable reports whether the role may be assigned via a sharing token
func (r Role) IsGrantable() bool {
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	case RoleOwner:
		return false
	}
	return false
}

// Level returns the ordinal rank of the role for comparisons.
// Unknown roles rank below viewer.
func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// Permissions returns the permission set for the role. The owner set is
// implicit ("everything") and handled by HasPermission directly.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleOwner:
		return []Permission{
			PermissionViewOnly, PermissionCreateTasks, PermissionEditTasks,
			PermissionDeleteTasks, PermissionAssignTasks, PermissionEditProject,
			PermissionDeleteProject, PermissionManageCollaborators,
			PermissionManageLabels, PermissionShareProject, PermissionViewCollaborators,
		}
	case RoleAdmin:
		return []Permission{
			PermissionViewOnly, PermissionCreateTasks, PermissionEditTasks,
			PermissionDeleteTasks, PermissionAssignTasks, PermissionEditProject,
			PermissionManageCollaborators, PermissionManageLabels,
			PermissionShareProject, PermissionViewCollaborators,
		}
	case RoleEditor:
		return []Permission{
			PermissionViewOnly, PermissionCreateTasks, PermissionEditTasks,
			PermissionDeleteTasks, PermissionViewCollaborators,
		}
	case RoleViewer:
		return []Permission{
			PermissionViewOnly, PermissionViewCollaborators,
		}
	}
	return nil
}

// HasPermission checks whether the role grants a specific permission.
// The owner holds every permission. delete_project is deliberately owner-only
// even though admins hold edit_project.
func (r Role) HasPermission(perm Permission) bool {
	if r == RoleOwner {
		return true
	}
	if perm == PermissionDeleteProject {
		return false
	}
	for _, p := range r.Permissions() {
		if p == perm {
			return true
		}
	}
	return false
}

// CanManageRole checks whether an actor with this role may assign or change
// a collaborator to the target role. Owners manage any role; admins may only
// set viewer or editor (they cannot create or modify other admins).
func (r Role) CanManageRole(target Role) bool {
	switch r {
	case RoleOwner:
		return true
	case RoleAdmin:
		return target == RoleViewer || target == RoleEditor
	case RoleEditor, RoleViewer:
		return false
	}
	return false
}

// Description returns a human-readable summary of what the role allows,
// used in invitation messages.
func (r Role) Description() string {
	switch r {
	case RoleOwner:
		return "own the project"
	case RoleAdmin:
		return "manage the project, tasks, and collaborators"
	case RoleEditor:
		return "view, create, and edit tasks"
	case RoleViewer:
		return "view the project and its tasks"
	}
	return "collaborate on the project"
}
