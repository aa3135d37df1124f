package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"defectline/internal/domain"
	"defectline/internal/engine/auth"
	"defectline/internal/events"
	"defectline/internal/repo"
	"defectline/internal/workflow"
)

type CreateUserOptions struct {
	ID      string
	Name    string
	Role    domain.Role
	ActorID string
}

// CreateUser adds a user to the directory. Only managers may add users, except
// for the very first user, which bootstraps an empty directory.
func (e Engine) CreateUser(ctx context.Context, opts CreateUserOptions) (domain.User, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return domain.User{}, validationf("user id is required")
	}
	if !opts.Role.Valid() {
		return domain.User{}, validationf("invalid role %q", opts.Role)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	existing, err := e.Repo.ListUsers(ctx, "")
	if err != nil {
		return domain.User{}, err
	}
	actorID := opts.ActorID
	if len(existing) > 0 {
		actor, err := e.Directory.Actor(ctx, opts.ActorID)
		if err != nil {
			return domain.User{}, err
		}
		if err := auth.RequireRole(actor, "create users", domain.RoleManager); err != nil {
			return domain.User{}, err
		}
		for _, u := range existing {
			if u.ID == opts.ID {
				return domain.User{}, validationf("user %s already exists", opts.ID)
			}
		}
	}
	if actorID == "" {
		actorID = opts.ID
	}

	u := domain.User{ID: opts.ID, Name: opts.Name, Role: opts.Role, CreatedAt: e.now()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, events.UserCreated, "", "user", u.ID, actorID, events.EventPayload{"role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	e.logger().Info("user created", "user_id", u.ID, "role", u.Role, "actor_id", actorID)
	return u, nil
}

func (e Engine) ListUsers(ctx context.Context, role domain.Role) ([]domain.User, error) {
	if role != "" && !role.Valid() {
		return nil, validationf("invalid role %q", role)
	}
	users, err := e.Repo.ListUsers(ctx, role)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}

// CreateAPIKey mints a key for userID and returns the plaintext once; only
// its hash is stored. Users may mint their own keys; managers may mint for anyone.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (domain.APIKey, string, error) {
	actor, err := e.Directory.Actor(ctx, actorID)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if userID == "" {
		userID = actor.ID
	}
	if userID != actor.ID {
		if err := auth.RequireRole(actor, "create api keys for other users", domain.RoleManager); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if _, err := e.Directory.LookupUser(ctx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	plain, err := newSecret()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actor.ID, events.EventPayload{"user_id": userID, "name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// ListAPIKeys returns userID's keys, hashes included. Users may list their own;
// managers may list anyone's.
func (e Engine) ListAPIKeys(ctx context.Context, userID, actorID string) ([]domain.APIKey, error) {
	actor, err := e.Directory.Actor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = actor.ID
	}
	if userID != actor.ID {
		if err := auth.RequireRole(actor, "list api keys of other users", domain.RoleManager); err != nil {
			return nil, err
		}
	}
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

// RevokeAPIKey deletes a key. Owners may revoke their own keys; managers may
// revoke any.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, actorID string) error {
	actor, err := e.Directory.Actor(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Role != domain.RoleManager {
		own, err := e.Repo.ListAPIKeys(ctx, actor.ID)
		if err != nil {
			return err
		}
		found := false
		for _, k := range own {
			if k.ID == keyID {
				found = true
				break
			}
		}
		if !found {
			return &workflow.NotFoundError{Kind: "api key", ID: keyID}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, keyID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return &workflow.NotFoundError{Kind: "api key", ID: keyID}
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyRevoked, "", "api_key", keyID, actor.ID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveAPIKey returns the user owning the plaintext key.
func (e Engine) ResolveAPIKey(ctx context.Context, plain string) (domain.User, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, &workflow.NotFoundError{Kind: "api key", ID: "***"}
	}
	if err != nil {
		return domain.User{}, err
	}
	return e.Directory.LookupUser(ctx, key.ActorID)
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dl_" + hex.EncodeToString(buf), nil
}
