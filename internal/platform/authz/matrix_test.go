package authz

import "testing"

func TestMatrixFailsClosed(t *testing.T) {
	m := DefaultMatrix()

	cases := []struct {
		name     string
		role     string
		resource string
		action   string
		want     bool
	}{
		{"admin wildcard on lab orders", RoleAdmin, ResourceLabOrders, ActionValidate, true},
		{"admin wildcard on users", RoleAdmin, ResourceUsers, ActionCreate, true},
		{"doctor creates orders", RoleDoctor, ResourceLabOrders, ActionCreate, true},
		{"doctor validates", RoleDoctor, ResourceLabOrders, ActionValidate, true},
		{"doctor cannot process results", RoleDoctor, ResourceLabOrders, ActionProcessResults, false},
		{"lab tech processes results", RoleLabTechnician, ResourceLabOrders, ActionProcessResults, true},
		{"lab tech cannot validate", RoleLabTechnician, ResourceLabOrders, ActionValidate, false},
		{"lab tech cannot create orders", RoleLabTechnician, ResourceLabOrders, ActionCreate, false},
		{"lab tech cannot touch users", RoleLabTechnician, ResourceUsers, ActionRead, false},
		{"nurse cannot cancel", RoleNurse, ResourceLabOrders, ActionCancel, false},
		{"reception reads orders only", RoleReception, ResourceLabOrders, ActionUpdateStatus, false},
		{"patient reads orders", RolePatient, ResourceLabOrders, ActionRead, true},
		{"patient cannot create users", RolePatient, ResourceUsers, ActionCreate, false},
		{"unknown role denied", "ghost", ResourceLabOrders, ActionRead, false},
		{"unknown resource denied", RoleAdmin, "billing", ActionRead, false},
		{"unknown action denied", RoleDoctor, ResourceLabOrders, "export", false},
		{"empty everything denied", "", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.Allows(tc.role, tc.resource, tc.action); got != tc.want {
				t.Errorf("Allows(%q, %q, %q) = %v, want %v", tc.role, tc.resource, tc.action, got, tc.want)
			}
		})
	}
}

func TestNewMatrixCopiesDefinition(t *testing.T) {
	def := map[string]map[string][]string{
		"auditor": {ResourceLabOrders: {ActionRead}},
	}
	m := NewMatrix(def)

	def["auditor"][ResourceLabOrders] = append(def["auditor"][ResourceLabOrders], ActionCancel)
	def["intruder"] = map[string][]string{ResourceLabOrders: {ActionAll}}

	if !m.Allows("auditor", ResourceLabOrders, ActionRead) {
		t.Error("expected auditor to keep read permission")
	}
	if m.Allows("auditor", ResourceLabOrders, ActionCancel) {
		t.Error("mutating the definition must not grant new permissions")
	}
	if m.KnownRole("intruder") {
		t.Error("mutating the definition must not add roles")
	}
}
