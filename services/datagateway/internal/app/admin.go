package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"salesdesk/pkg/auth"
	"salesdesk/pkg/domain"
)

// ProvisionRequest creates or updates a registered user. Active nil keeps
// the current flag (new users start active); an empty Password leaves the
// identity untouched.
type ProvisionRequest struct {
	Email    string `json:"email" yaml:"email"`
	Active   *bool  `json:"active,omitempty" yaml:"active,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// ProvisionUser upserts the registered user row and optionally the sign-in
// identity. Deactivating a user revokes every session it holds.
func (a *App) ProvisionUser(ctx context.Context, req ProvisionRequest) (domain.RegisteredUser, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return domain.RegisteredUser{}, ErrEmailRequired
	}
	if req.Password != "" {
		if err := auth.ValidatePassword(req.Password); err != nil {
			return domain.RegisteredUser{}, err
		}
	}

	prev, existed, err := a.store.GetRegisteredUser(ctx, email)
	if err != nil {
		return domain.RegisteredUser{}, fmt.Errorf("fetch registered user: %w", err)
	}
	active := true
	if existed {
		active = prev.IsActive
	}
	if req.Active != nil {
		active = *req.Active
	}
	user, err := a.store.UpsertRegisteredUser(ctx, email, active)
	if err != nil {
		return domain.RegisteredUser{}, fmt.Errorf("upsert registered user: %w", err)
	}

	identity, hasIdentity, err := a.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		return domain.RegisteredUser{}, fmt.Errorf("fetch identity: %w", err)
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return domain.RegisteredUser{}, fmt.Errorf("hash password: %w", err)
		}
		if !hasIdentity {
			identity = domain.Identity{ID: newIdentityID(), Email: email}
			hasIdentity = true
		}
		identity.PasswordHash = hash
		if err := a.store.SaveIdentity(ctx, identity); err != nil {
			return domain.RegisteredUser{}, fmt.Errorf("save identity: %w", err)
		}
	}

	if existed && prev.IsActive && !active && hasIdentity {
		if err := a.revokeUser(ctx, identity.ID); err != nil {
			return domain.RegisteredUser{}, err
		}
		a.publishEvent(ctx, domain.SessionEvent{Type: domain.EventUserDeactivated, UserID: identity.ID})
	}
	return user, nil
}

// ListUsers returns every registered user row.
func (a *App) ListUsers(ctx context.Context) ([]domain.RegisteredUser, error) {
	return a.store.ListRegisteredUsers(ctx)
}

// SeedRecords inserts rows into a business collection and returns how many
// were stored. It stops at the first failing row.
func (a *App) SeedRecords(ctx context.Context, collection string, records []domain.Record) (int, error) {
	if collection == domain.CollectionUsers {
		return 0, fmt.Errorf("seed %s: use user provisioning", collection)
	}
	for i, rec := range records {
		if _, err := a.store.Insert(ctx, collection, rec); err != nil {
			return i, fmt.Errorf("insert %s row %d: %w", collection, i, err)
		}
	}
	return len(records), nil
}

func (a *App) revokeUser(ctx context.Context, userID string) error {
	if err := a.sessions.RevokeUser(ctx, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	sids, err := a.refresh.EndUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("end user refresh sessions: %w", err)
	}
	a.logger.InfoContext(ctx, "user sessions ended", "user_id", userID, "sessions", len(sids))
	return nil
}
