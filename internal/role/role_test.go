package role

import (
	"errors"
	"strings"
	"testing"

	"github.com/uncord-chat/uncord-protocol/permissions"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	// Unknown high bits are dropped, known bits survive.
	raw := int64(permissions.SendMessages|permissions.ManageRoles) | (1 << 62)
	got := Truncate(raw)
	if !got.Has(permissions.SendMessages) || !got.Has(permissions.ManageRoles) {
		t.Errorf("Truncate dropped known bits: %b", got)
	}
	if got&^permissions.AllPermissions != 0 {
		t.Errorf("Truncate kept unknown bits: %b", got)
	}

	if Truncate(int64(permissions.AllPermissions)) != permissions.AllPermissions {
		t.Error("Truncate altered AllPermissions")
	}
	if Truncate(0) != 0 {
		t.Error("Truncate(0) != 0")
	}
}

func TestDefaultPermissionSets(t *testing.T) {
	t.Parallel()

	// Members can speak but not moderate.
	if !DefaultMemberPermissions.Has(permissions.SendMessages) {
		t.Error("member role missing SendMessages")
	}
	if DefaultMemberPermissions.Has(permissions.ManageRoles) {
		t.Error("member role holds ManageRoles")
	}

	// Admins moderate but do not hold the guild-wide administrator bit.
	if !DefaultAdminPermissions.Has(permissions.ManageRoles) {
		t.Error("admin role missing ManageRoles")
	}
	if DefaultAdminPermissions.Has(permissions.ManageServer) {
		t.Error("admin role holds ManageServer; only the owner role may")
	}

	// Admin is a strict superset of member.
	if DefaultMemberPermissions&^DefaultAdminPermissions != 0 {
		t.Error("member role holds bits the admin role lacks")
	}
}

func TestValidateNameRequired(t *testing.T) {
	t.Parallel()

	got, err := ValidateNameRequired("  Moderators  ")
	if err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	if got != "Moderators" {
		t.Errorf("name = %q, want %q", got, "Moderators")
	}

	if _, err := ValidateNameRequired(""); !errors.Is(err, ErrNameLength) {
		t.Errorf("empty name: got %v, want ErrNameLength", err)
	}
	if _, err := ValidateNameRequired(strings.Repeat("x", 101)); !errors.Is(err, ErrNameLength) {
		t.Errorf("101-rune name: got %v, want ErrNameLength", err)
	}
}
