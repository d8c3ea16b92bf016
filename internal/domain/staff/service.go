// Package staff keeps the clinic's staff directory. Each role has a keyed
// index entry pointing at the user currently holding it, so looking up "the
// frontdesk" is a point read rather than a scan of every user.
package staff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
)

const (
	UsersCollection = "users"
	RolesCollection = "roles"
)

var (
	ErrUserNotFound = errors.New("staff user not found")
	ErrInvalidRole  = errors.New("invalid role")
)

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateRequest struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required"`
}

func UserPath(id string) string   { return store.Join(UsersCollection, id) }
func RolePath(role string) string { return store.Join(RolesCollection, role) }

type Service struct {
	store    store.Store
	validate *validator.Validate
	now      func() time.Time
}

func NewService(s store.Store, v *validator.Validate) *Service {
	return &Service{store: s, validate: v, now: time.Now}
}

// Create adds a user and points the role index at them. A later user with
// the same role takes the index over.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*User, error) {
	if err := validate.Struct(s.validate, req); err != nil {
		return nil, err
	}
	if !auth.IsStaffRole(req.Role) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, req.Role)
	}

	u := &User{
		ID:        store.NewKey(),
		Name:      req.Name,
		Email:     req.Email,
		Role:      req.Role,
		CreatedAt: s.now().UTC(),
	}
	err := s.store.Update(ctx, "", map[string]any{
		UserPath(u.ID):   u,
		RolePath(u.Role): u.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create staff user: %w", err)
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	if store.Validate(id) != nil || id == "" {
		return nil, ErrUserNotFound
	}
	snap, err := s.store.Read(ctx, UserPath(id))
	if err != nil {
		return nil, fmt.Errorf("read staff user %s: %w", id, err)
	}
	if !snap.Exists() {
		return nil, ErrUserNotFound
	}
	var u User
	if err := snap.Decode(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// FindByRole returns the user the role index points at.
func (s *Service) FindByRole(ctx context.Context, role string) (*User, error) {
	if !auth.IsStaffRole(role) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}
	snap, err := s.store.Read(ctx, RolePath(role))
	if err != nil {
		return nil, fmt.Errorf("read role %s: %w", role, err)
	}
	id, _ := snap.Value.(string)
	if id == "" {
		return nil, ErrUserNotFound
	}
	return s.Get(ctx, id)
}
