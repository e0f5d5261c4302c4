package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleObserver, PermComponentRead, true},
		{RoleObserver, PermComponentControl, false},
		{RoleOperator, PermComponentRead, true},
		{RoleOperator, PermComponentControl, true},
		{Role("guest"), PermComponentRead, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestPermissionsForRole(t *testing.T) {
	perms := PermissionsForRole(RoleOperator)
	if len(perms) != 2 {
		t.Fatalf("PermissionsForRole(operator) = %v", perms)
	}

	// The returned slice is a copy.
	perms[0] = "tampered"
	if !HasPermission(RoleOperator, PermComponentRead) {
		t.Error("modifying the returned slice changed the role")
	}

	if PermissionsForRole(Role("guest")) != nil {
		t.Error("PermissionsForRole(unknown) should be nil")
	}
}
