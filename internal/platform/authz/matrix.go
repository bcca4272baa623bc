// Package authz implements role-based authorization for the LIMS API: a
// static permission matrix loaded once at startup, a Guard that evaluates
// (actor, resource, action) requests against it, and Echo middleware for
// route-level enforcement. The matrix expresses capability; scope rules
// that depend on the request payload (such as account-creation targets)
// are layered on top in the Guard.
package authz

// Role names known to the permission matrix.
const (
	RoleAdmin         = "admin"
	RoleDoctor        = "doctor"
	RoleNurse         = "nurse"
	RoleReception     = "reception"
	RoleLabTechnician = "lab_technician"
	RolePatient       = "patient"
)

// Resource names.
const (
	ResourceLabOrders = "lab_orders"
	ResourceUsers     = "users"
	ResourcePatients  = "patients"
)

// Actions on resources. ActionAll is the wildcard entry granting every
// action on a resource.
const (
	ActionAll            = "all"
	ActionCreate         = "create"
	ActionRead           = "read"
	ActionUpdateStatus   = "update_status"
	ActionAddTest        = "add_test"
	ActionProcessResults = "process_results"
	ActionValidate       = "validate"
	ActionCancel         = "cancel"
)

// Matrix is an immutable role -> resource -> action capability table.
// Construct it once with NewMatrix and inject it; it is never mutated
// after construction.
type Matrix struct {
	perms map[string]map[string]map[string]bool
}

// NewMatrix builds a Matrix from a role -> resource -> action list
// definition. The input is deep-copied so later mutation of the
// definition cannot affect the matrix.
func NewMatrix(def map[string]map[string][]string) *Matrix {
	perms := make(map[string]map[string]map[string]bool, len(def))
	for role, resources := range def {
		perms[role] = make(map[string]map[string]bool, len(resources))
		for resource, actions := range resources {
			set := make(map[string]bool, len(actions))
			for _, a := range actions {
				set[a] = true
			}
			perms[role][resource] = set
		}
	}
	return &Matrix{perms: perms}
}

// Allows reports whether role may perform action on resource. Absent
// role, resource, or action entries all deny.
func (m *Matrix) Allows(role, resource, action string) bool {
	resources, ok := m.perms[role]
	if !ok {
		return false
	}
	actions, ok := resources[resource]
	if !ok {
		return false
	}
	if actions[ActionAll] {
		return true
	}
	return actions[action]
}

// KnownRole reports whether the matrix has any entry for role.
func (m *Matrix) KnownRole(role string) bool {
	_, ok := m.perms[role]
	return ok
}

// DefaultMatrix returns the built-in permission table.
func DefaultMatrix() *Matrix {
	return NewMatrix(map[string]map[string][]string{
		RoleAdmin: {
			ResourceLabOrders: {ActionAll},
			ResourceUsers:     {ActionAll},
			ResourcePatients:  {ActionAll},
		},
		RoleDoctor: {
			ResourceLabOrders: {ActionCreate, ActionRead, ActionUpdateStatus, ActionAddTest, ActionValidate, ActionCancel},
			ResourceUsers:     {ActionCreate, ActionRead},
			ResourcePatients:  {ActionCreate, ActionRead},
		},
		RoleNurse: {
			ResourceLabOrders: {ActionRead, ActionUpdateStatus, ActionAddTest},
			ResourceUsers:     {ActionCreate, ActionRead},
			ResourcePatients:  {ActionCreate, ActionRead},
		},
		RoleReception: {
			ResourceLabOrders: {ActionRead},
			ResourceUsers:     {ActionCreate, ActionRead},
			ResourcePatients:  {ActionCreate, ActionRead},
		},
		RoleLabTechnician: {
			ResourceLabOrders: {ActionRead, ActionUpdateStatus, ActionAddTest, ActionProcessResults},
		},
		RolePatient: {
			ResourceLabOrders: {ActionRead},
		},
	})
}
