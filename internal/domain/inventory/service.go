// Package inventory keeps the medicine stock. Medicines are keyed by short
// three-digit ids; quantities are only changed inside transactions so
// concurrent edits and prescriptions never lose an update.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinic/clinic/internal/domain/idalloc"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
	"github.com/clinic/clinic/pkg/pagination"
)

// Collection holds every medicine under its id.
const Collection = "medicines"

var ErrMedicineNotFound = errors.New("medicine not found")

type Medicine struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Brand       string     `json:"brand,omitempty"`
	Description string     `json:"description,omitempty"`
	Quantity    int        `json:"quantity"`
	ExpiryDate  string     `json:"expiryDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

type AddRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Brand       string `json:"brand,omitempty" validate:"max=200"`
	Description string `json:"description,omitempty" validate:"max=1000"`
	Quantity    int    `json:"quantity" validate:"gte=0"`
	ExpiryDate  string `json:"expiryDate,omitempty" validate:"omitempty,date"`
}

// EditRequest changes the fields that are set.
type EditRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Brand       *string `json:"brand,omitempty" validate:"omitempty,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=1000"`
	Quantity    *int    `json:"quantity,omitempty" validate:"omitempty,gte=0"`
	ExpiryDate  *string `json:"expiryDate,omitempty" validate:"omitempty,date"`
}

func Path(id string) string { return store.Join(Collection, id) }

// QuantityPath is the stock level of one medicine.
func QuantityPath(id string) string { return store.Join(Collection, id, "quantity") }

type Service struct {
	store    store.Store
	validate *validator.Validate
	now      func() time.Time
	intn     func(int) int
}

func NewService(s store.Store, v *validator.Validate) *Service {
	return &Service{store: s, validate: v, now: time.Now}
}

// Add stores a new medicine under an id not used by any medicine in the
// collection at commit time.
func (s *Service) Add(ctx context.Context, req AddRequest) (*Medicine, error) {
	if err := validate.Struct(s.validate, req); err != nil {
		return nil, err
	}

	var added *Medicine
	err := s.store.Transact(ctx, []string{Collection}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		children := cur[Collection].Children()
		keys := make([]string, 0, len(children))
		for _, c := range children {
			keys = append(keys, c.Key())
		}
		id, err := idalloc.ShortMedicineID(idalloc.ExistingIDs(keys), s.intn)
		if err != nil {
			return nil, err
		}
		added = &Medicine{
			ID:          id,
			Name:        req.Name,
			Brand:       req.Brand,
			Description: req.Description,
			Quantity:    req.Quantity,
			ExpiryDate:  req.ExpiryDate,
			CreatedAt:   s.now().UTC(),
		}
		return map[string]any{Path(id): added}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("add medicine: %w", err)
	}
	return added, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Medicine, error) {
	if err := store.Validate(id); err != nil || id == "" {
		return nil, ErrMedicineNotFound
	}
	snap, err := s.store.Read(ctx, Path(id))
	if err != nil {
		return nil, fmt.Errorf("read medicine %s: %w", id, err)
	}
	return decode(snap)
}

// List returns medicines ordered by id.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Medicine, int, error) {
	snap, err := s.store.Read(ctx, Collection)
	if err != nil {
		return nil, 0, fmt.Errorf("list medicines: %w", err)
	}
	children := snap.Children()
	total := len(children)
	start, end := pagination.Window(limit, offset, total)

	out := make([]*Medicine, 0, end-start)
	for _, c := range children[start:end] {
		m, err := decode(c)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, nil
}

func (s *Service) Edit(ctx context.Context, id string, req EditRequest) (*Medicine, error) {
	if err := validate.Struct(s.validate, req); err != nil {
		return nil, err
	}
	if err := store.Validate(id); err != nil || id == "" {
		return nil, ErrMedicineNotFound
	}

	path := Path(id)
	var edited *Medicine
	err := s.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		m, err := decode(cur[path])
		if err != nil {
			return nil, err
		}
		if req.Name != nil {
			m.Name = *req.Name
		}
		if req.Quantity != nil {
			m.Quantity = *req.Quantity
		}
		if req.Brand != nil {
			m.Brand = *req.Brand
		}
		if req.ExpiryDate != nil {
			m.ExpiryDate = *req.ExpiryDate
		}
		if req.Description != nil {
			m.Description = *req.Description
		}
		now := s.now().UTC()
		m.UpdatedAt = &now
		edited = m
		return map[string]any{path: m}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("edit medicine %s: %w", id, err)
	}
	return edited, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := store.Validate(id); err != nil || id == "" {
		return ErrMedicineNotFound
	}
	path := Path(id)
	err := s.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		if !cur[path].Exists() {
			return nil, ErrMedicineNotFound
		}
		return map[string]any{path: nil}, nil
	})
	if err != nil {
		return fmt.Errorf("delete medicine %s: %w", id, err)
	}
	return nil
}

func decode(snap store.Snapshot) (*Medicine, error) {
	if !snap.Exists() {
		return nil, ErrMedicineNotFound
	}
	var m Medicine
	if err := snap.Decode(&m); err != nil {
		return nil, err
	}
	m.ID = snap.Key()
	return &m, nil
}
