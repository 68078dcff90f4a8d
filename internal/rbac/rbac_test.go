package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "agent read", role: RoleAgent, action: ActionRead, allow: true},
		{name: "agent status", role: RoleAgent, action: ActionStatus, allow: true},
		{name: "agent schedule", role: RoleAgent, action: ActionSchedule, allow: true},
		{name: "agent channels", role: RoleAgent, action: ActionChannels, allow: false},
		{name: "agent migrate", role: RoleAgent, action: ActionMigrate, allow: false},
		{name: "supervisor channels", role: RoleSupervisor, action: ActionChannels, allow: true},
		{name: "supervisor migrate", role: RoleSupervisor, action: ActionMigrate, allow: true},
		{name: "supervisor admin", role: RoleSupervisor, action: ActionAdmin, allow: false},
		{name: "admin admin", role: RoleAdmin, action: ActionAdmin, allow: true},
		{name: "unknown role", role: Role("viewer"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("supervisor"); got != RoleSupervisor {
		t.Fatalf("Normalize(supervisor) = %q", got)
	}
	if got := Normalize("editor"); got != RoleAgent {
		t.Fatalf("Normalize(editor) = %q, want agent", got)
	}
	if Valid("") || !Valid("admin") {
		t.Fatal("Valid() mismatch")
	}
}
