package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/hearth-chat/hearth/internal/store"
)

func newRegistrarWithAdmin(t *testing.T) (*Registrar, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	r := NewRegistrar(st)
	result, err := r.Register(context.Background(), "alice", "hunter22", "")
	if err != nil {
		t.Fatalf("Bootstrap registration failed: %v", err)
	}
	if result.Status != "approved" {
		t.Fatalf("Bootstrap registration status = %q, want approved", result.Status)
	}
	return r, st
}

// TestFirstUserIsAdmin verifies the bootstrap rule: regardless of mode, the
// first account is created live with the admin role.
func TestFirstUserIsAdmin(t *testing.T) {
	r, st := newRegistrarWithAdmin(t)

	user, err := st.UserByName(context.Background(), "alice")
	if err != nil {
		t.Fatalf("UserByName failed: %v", err)
	}
	if user.Role != store.RoleAdmin {
		t.Errorf("First user role = %q, want %q", user.Role, store.RoleAdmin)
	}

	// Default mode is closed, so the second signup is refused.
	if _, err := r.Register(context.Background(), "bob", "pw", ""); !errors.Is(err, ErrRegistrationClosed) {
		t.Errorf("Second registration = %v, want ErrRegistrationClosed", err)
	}
}

// TestOpenMode verifies open registration and duplicate-username rejection.
func TestOpenMode(t *testing.T) {
	r, _ := newRegistrarWithAdmin(t)
	ctx := context.Background()

	if err := r.SetMode(ctx, ModeOpen); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	result, err := r.Register(ctx, "bob", "pw", "")
	if err != nil {
		t.Fatalf("Open registration failed: %v", err)
	}
	if result.Status != "approved" {
		t.Errorf("Open registration status = %q, want approved", result.Status)
	}

	if _, err := r.Register(ctx, "bob", "pw", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("Duplicate registration = %v, want ErrUserExists", err)
	}
}

// TestInviteOnlyMode verifies that invites admit exactly one account: the
// invite is claimed before the user row is created, so a registrant who
// loses the token gets no account at all.
func TestInviteOnlyMode(t *testing.T) {
	r, st := newRegistrarWithAdmin(t)
	ctx := context.Background()

	if err := r.SetMode(ctx, ModeInviteOnly); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	if _, err := r.Register(ctx, "bob", "pw", ""); !errors.Is(err, ErrInviteRequired) {
		t.Errorf("Registration without invite = %v, want ErrInviteRequired", err)
	}
	if _, err := r.Register(ctx, "bob", "pw", "bogus-token"); !errors.Is(err, ErrInviteRequired) {
		t.Errorf("Registration with bogus invite = %v, want ErrInviteRequired", err)
	}

	invite, err := r.MintInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("MintInvite failed: %v", err)
	}
	if invite.Token == "" || invite.CreatedBy != "alice" {
		t.Fatalf("MintInvite = %+v", invite)
	}

	if _, err := r.Register(ctx, "bob", "pw", invite.Token); err != nil {
		t.Fatalf("Registration with invite failed: %v", err)
	}
	if _, err := r.Register(ctx, "carol", "pw", invite.Token); !errors.Is(err, ErrInviteRequired) {
		t.Errorf("Registration with spent invite = %v, want ErrInviteRequired", err)
	}
	if _, err := st.UserByName(ctx, "carol"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Rejected registrant has a user row: UserByName = %v, want ErrNotFound", err)
	}

	// Re-registering an admitted username must not burn another invite.
	second, err := r.MintInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("MintInvite failed: %v", err)
	}
	if _, err := r.Register(ctx, "bob", "pw", second.Token); !errors.Is(err, ErrUserExists) {
		t.Errorf("Duplicate registration = %v, want ErrUserExists", err)
	}
	if usable, _ := st.InviteUsable(ctx, second.Token); !usable {
		t.Error("Duplicate registration consumed the invite")
	}
}

// TestApprovalRequiredMode verifies the parked-account flow: pending users
// cannot log in until an admin approves them, after which their original
// password works.
func TestApprovalRequiredMode(t *testing.T) {
	r, _ := newRegistrarWithAdmin(t)
	ctx := context.Background()

	if err := r.SetMode(ctx, ModeApprovalRequired); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	result, err := r.Register(ctx, "carol", "pw", "")
	if err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	if result.Status != "pending" || result.ApprovalCode == "" {
		t.Fatalf("Pending registration = %+v, want pending with an approval code", result)
	}

	if _, err := r.Login(ctx, "carol", "pw"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Login before approval = %v, want ErrUnauthorized", err)
	}

	if _, err := r.Register(ctx, "carol", "pw", ""); !errors.Is(err, ErrUserExists) {
		t.Errorf("Re-registration while pending = %v, want ErrUserExists", err)
	}

	user, err := r.Approve(ctx, "carol", "alice")
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if user.Role != store.RoleUser || user.ApprovedBy != "alice" {
		t.Errorf("Approved user = %+v", user)
	}

	identity, err := r.Login(ctx, "carol", "pw")
	if err != nil {
		t.Fatalf("Login after approval failed: %v", err)
	}
	if identity.Username != "carol" || identity.IsAdmin() {
		t.Errorf("Approved identity = %+v", identity)
	}
}

// TestRejectPendingUser verifies that rejection removes the parked account:
// the username can neither log in nor re-register any differently than a
// fresh name, and rejecting twice reports not found.
func TestRejectPendingUser(t *testing.T) {
	r, st := newRegistrarWithAdmin(t)
	ctx := context.Background()

	if err := r.SetMode(ctx, ModeApprovalRequired); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if _, err := r.Register(ctx, "mallory", "pw", ""); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}

	if err := r.Reject(ctx, "mallory", "alice"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if _, err := r.Login(ctx, "mallory", "pw"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Login after rejection = %v, want ErrUnauthorized", err)
	}
	if _, err := st.UserByName(ctx, "mallory"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UserByName after rejection = %v, want ErrNotFound", err)
	}
	if err := r.Reject(ctx, "mallory", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Second rejection = %v, want ErrNotFound", err)
	}

	// A rejected name is free to register again.
	if _, err := r.Register(ctx, "mallory", "pw2", ""); err != nil {
		t.Errorf("Re-registration after rejection failed: %v", err)
	}
}

// TestSetRole verifies admin grant and revocation, including role-name
// validation and the missing-user case.
func TestSetRole(t *testing.T) {
	r, _ := newRegistrarWithAdmin(t)
	ctx := context.Background()

	if err := r.SetMode(ctx, ModeOpen); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if _, err := r.Register(ctx, "bob", "pw", ""); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}

	if err := r.SetRole(ctx, "bob", store.RoleAdmin); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}
	identity, err := r.Login(ctx, "bob", "pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !identity.IsAdmin() {
		t.Error("Promoted user does not report admin")
	}

	if err := r.SetRole(ctx, "bob", store.RoleUser); err != nil {
		t.Fatalf("SetRole back to user failed: %v", err)
	}
	if identity, err = r.Login(ctx, "bob", "pw"); err != nil || identity.IsAdmin() {
		t.Errorf("Demoted identity = %+v, err = %v", identity, err)
	}

	if err := r.SetRole(ctx, "bob", "superuser"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("SetRole with unknown role = %v, want ErrInvalidRole", err)
	}
	if err := r.SetRole(ctx, "nobody", store.RoleAdmin); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetRole on missing user = %v, want ErrNotFound", err)
	}
}

// TestLogin verifies bcrypt credential checks.
func TestLogin(t *testing.T) {
	r, _ := newRegistrarWithAdmin(t)
	ctx := context.Background()

	identity, err := r.Login(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if identity.Username != "alice" || !identity.IsAdmin() {
		t.Errorf("Identity = %+v", identity)
	}

	if _, err := r.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Login with wrong password = %v, want ErrUnauthorized", err)
	}
	if _, err := r.Login(ctx, "nobody", "pw"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Login with unknown user = %v, want ErrUnauthorized", err)
	}
}

// TestSetModeValidation verifies that only the known mode names are
// accepted and that the default mode is closed.
func TestSetModeValidation(t *testing.T) {
	r, _ := newRegistrarWithAdmin(t)
	ctx := context.Background()

	mode, err := r.Mode(ctx)
	if err != nil || mode != ModeClosed {
		t.Errorf("Default mode = %q, %v, want %q", mode, err, ModeClosed)
	}

	if err := r.SetMode(ctx, "free-for-all"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("SetMode(unknown) = %v, want ErrInvalidMode", err)
	}

	for _, mode := range []string{ModeClosed, ModeInviteOnly, ModeApprovalRequired, ModeOpen} {
		if err := r.SetMode(ctx, mode); err != nil {
			t.Errorf("SetMode(%q) failed: %v", mode, err)
		}
	}
}
