package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/hearth-chat/hearth/internal/store"
)

// Registration modes. The mode is a persisted server setting; closed is the
// default when nothing has been configured.
const (
	ModeClosed           = "closed"
	ModeInviteOnly       = "invite_only"
	ModeApprovalRequired = "approval_required"
	ModeOpen             = "open"

	registrationModeKey = "registration_mode"
)

var validModes = map[string]struct{}{
	ModeClosed:           {},
	ModeInviteOnly:       {},
	ModeApprovalRequired: {},
	ModeOpen:             {},
}

var (
	// ErrRegistrationClosed is returned when the current mode rejects signups.
	ErrRegistrationClosed = errors.New("auth: registration closed")
	// ErrInviteRequired is returned in invite-only mode without a usable token.
	ErrInviteRequired = errors.New("auth: valid invite required")
	// ErrUserExists is returned when the username is already taken.
	ErrUserExists = errors.New("auth: username already taken")
	// ErrInvalidMode is returned for an unknown registration mode name.
	ErrInvalidMode = errors.New("auth: invalid registration mode")
	// ErrInvalidRole is returned for a role name outside the known set.
	ErrInvalidRole = errors.New("auth: invalid role")
)

// RegistrationResult reports the outcome of a registration attempt.
type RegistrationResult struct {
	Status       string `json:"status"` // "approved" or "pending"
	ApprovalCode string `json:"approval_code,omitempty"`
}

// Registrar runs the account admission flow: bcrypt credential storage,
// registration modes, invite tokens, and pending-user approval. The first
// registered account is auto-approved as admin regardless of mode.
type Registrar struct {
	store store.Store
}

// NewRegistrar creates a Registrar over the given store.
func NewRegistrar(st store.Store) *Registrar {
	return &Registrar{store: st}
}

// Mode returns the current registration mode.
func (r *Registrar) Mode(ctx context.Context) (string, error) {
	return r.store.Setting(ctx, registrationModeKey, ModeClosed)
}

// SetMode updates the registration mode.
func (r *Registrar) SetMode(ctx context.Context, mode string) error {
	if _, ok := validModes[mode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return r.store.SetSetting(ctx, registrationModeKey, mode)
}

// Register admits a new account according to the current mode. The returned
// result says whether the account is live or parked pending approval.
func (r *Registrar) Register(ctx context.Context, username, password, inviteToken string) (RegistrationResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("hash password: %w", err)
	}

	count, err := r.store.CountUsers(ctx)
	if err != nil {
		return RegistrationResult{}, err
	}
	if count == 0 {
		// Bootstrap: the very first account becomes the admin.
		user := store.User{Username: username, PasswordHash: string(hash), Role: store.RoleAdmin, ApprovedBy: "system"}
		if err := r.createUser(ctx, user); err != nil {
			return RegistrationResult{}, err
		}
		logrus.WithField("username", username).Info("First user registered as admin")
		return RegistrationResult{Status: "approved"}, nil
	}

	mode, err := r.Mode(ctx)
	if err != nil {
		return RegistrationResult{}, err
	}

	switch mode {
	case ModeClosed:
		return RegistrationResult{}, ErrRegistrationClosed

	case ModeInviteOnly:
		if _, err := r.store.UserByName(ctx, username); err == nil {
			return RegistrationResult{}, ErrUserExists
		}
		// Claiming the invite is the admission gate: of two registrants
		// racing on one token, only the successful consume creates an
		// account.
		if err := r.store.ConsumeInvite(ctx, inviteToken, username); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return RegistrationResult{}, ErrInviteRequired
			}
			return RegistrationResult{}, err
		}
		user := store.User{Username: username, PasswordHash: string(hash), Role: store.RoleUser, ApprovedBy: "invite"}
		if err := r.createUser(ctx, user); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Status: "approved"}, nil

	case ModeOpen:
		user := store.User{Username: username, PasswordHash: string(hash), Role: store.RoleUser, ApprovedBy: "open"}
		if err := r.createUser(ctx, user); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Status: "approved"}, nil

	default: // approval_required
		code := approvalCode()
		pending := store.PendingUser{Username: username, PasswordHash: string(hash), ApprovalCode: code}
		if err := r.store.CreatePendingUser(ctx, pending); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return RegistrationResult{}, ErrUserExists
			}
			return RegistrationResult{}, err
		}
		return RegistrationResult{Status: "pending", ApprovalCode: code}, nil
	}
}

// Login verifies a username/password pair and returns the identity.
func (r *Registrar) Login(ctx context.Context, username, password string) (Identity, error) {
	user, err := r.store.UserByName(ctx, username)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Identity{}, ErrUnauthorized
	}
	return Identity{Username: user.Username, Role: user.Role}, nil
}

// Approve promotes a pending user to a live account.
func (r *Registrar) Approve(ctx context.Context, username, approvedBy string) (store.User, error) {
	user, err := r.store.ApprovePendingUser(ctx, username, approvedBy)
	if err != nil {
		return store.User{}, err
	}
	logrus.WithFields(logrus.Fields{
		"username":   username,
		"approvedBy": approvedBy,
	}).Info("Pending user approved")
	return user, nil
}

// Reject discards a pending registration without creating an account.
func (r *Registrar) Reject(ctx context.Context, username, rejectedBy string) error {
	if err := r.store.RejectPendingUser(ctx, username); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"username":   username,
		"rejectedBy": rejectedBy,
	}).Info("Pending user rejected")
	return nil
}

// SetRole grants or revokes admin on an existing account.
func (r *Registrar) SetRole(ctx context.Context, username, role string) error {
	if role != store.RoleUser && role != store.RoleAdmin {
		return ErrInvalidRole
	}
	if err := r.store.SetUserRole(ctx, username, role); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"username": username,
		"role":     role,
	}).Info("User role updated")
	return nil
}

// MintInvite creates a fresh one-shot invite token.
func (r *Registrar) MintInvite(ctx context.Context, createdBy string) (store.Invite, error) {
	invite := store.Invite{Token: uuid.NewString(), CreatedBy: createdBy}
	if err := r.store.CreateInvite(ctx, invite); err != nil {
		return store.Invite{}, err
	}
	return invite, nil
}

func (r *Registrar) createUser(ctx context.Context, user store.User) error {
	err := r.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrAlreadyExists) {
		return ErrUserExists
	}
	return err
}

func approvalCode() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
