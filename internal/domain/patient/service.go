package patient

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

var ErrPatientNotFound = errors.New("patient not found")

type RegisterRequest struct {
	PersonalInfo PersonalInfo `json:"personalInfo"`
	ContactInfo  ContactInfo  `json:"contactInfo"`
	MedicalInfo  MedicalInfo  `json:"medicalInfo"`
}

type UpdateRequest struct {
	PersonalInfo *PersonalInfo `json:"personalInfo,omitempty"`
	ContactInfo  *ContactInfo  `json:"contactInfo,omitempty"`
	MedicalInfo  *MedicalInfo  `json:"medicalInfo,omitempty"`
}

type Service struct {
	store    store.Store
	ids      *idalloc.Allocator
	validate *validator.Validate
	now      func() time.Time
}

func NewService(s store.Store, ids *idalloc.Allocator, v *validator.Validate) *Service {
	return &Service{store: s, ids: ids, validate: v, now: time.Now}
}

// Register allocates the next patient id and writes the new record in the
// same commit as the counter.
func (s *Service) Register(ctx context.Context, req RegisterRequest, registeredBy string) (*Patient, error) {
	if err := validate.Struct(s.validate, req); err != nil {
		return nil, err
	}

	var created *Patient
	_, err := s.ids.AllocatePatientID(ctx, func(id string) (map[string]any, error) {
		created = &Patient{
			ID:           id,
			PersonalInfo: req.PersonalInfo,
			ContactInfo:  req.ContactInfo,
			MedicalInfo:  req.MedicalInfo,
			RegistrationInfo: RegistrationInfo{
				RegisteredAt: s.now().UTC(),
				RegisteredBy: registeredBy,
			},
		}
		return map[string]any{Path(id): created}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Patient, error) {
	if _, err := idalloc.ParsePatientID(id); err != nil {
		return nil, ErrPatientNotFound
	}
	snap, err := s.store.Read(ctx, Path(id))
	if err != nil {
		return nil, fmt.Errorf("read patient %s: %w", id, err)
	}
	if !snap.Exists() {
		return nil, ErrPatientNotFound
	}
	return DecodeSnapshot(snap)
}

// List returns patients ordered by id.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	snap, err := s.store.Read(ctx, Collection)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	children := snap.Children()
	total := len(children)
	start, end := pagination.Window(limit, offset, total)

	out := make([]*Patient, 0, end-start)
	for _, c := range children[start:end] {
		p, err := DecodeSnapshot(c)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

// UpdateRegistration replaces the info sections present in req.
func (s *Service) UpdateRegistration(ctx context.Context, id string, req UpdateRequest) (*Patient, error) {
	if _, err := idalloc.ParsePatientID(id); err != nil {
		return nil, ErrPatientNotFound
	}
	if err := validate.Struct(s.validate, req); err != nil {
		return nil, err
	}

	path := Path(id)
	err := s.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		if !cur[path].Exists() {
			return nil, ErrPatientNotFound
		}
		writes := map[string]any{
			store.Join(RegistrationPath(id), "updatedAt"): s.now().UTC(),
		}
		if req.PersonalInfo != nil {
			writes[store.Join(path, "personalInfo")] = req.PersonalInfo
		}
		if req.ContactInfo != nil {
			writes[ContactPath(id)] = req.ContactInfo
		}
		if req.MedicalInfo != nil {
			writes[store.Join(path, "medicalInfo")] = req.MedicalInfo
		}
		return writes, nil
	})
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update patient %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Delete removes the patient subtree, appointment slot included, and
// records the deletion in the audit trail within one commit.
func (s *Service) Delete(ctx context.Context, id, deletedBy, reason string) (*DeletionAudit, error) {
	if _, err := idalloc.ParsePatientID(id); err != nil {
		return nil, ErrPatientNotFound
	}
	path := Path(id)
	auditPath := store.Join(AuditDeletions, store.NewKey())

	var audit *DeletionAudit
	err := s.store.Transact(ctx, []string{path, idalloc.CounterPath}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		if !cur[path].Exists() {
			return nil, ErrPatientNotFound
		}
		p, err := DecodeSnapshot(cur[path])
		if err != nil {
			return nil, err
		}
		audit = &DeletionAudit{
			PatientID:      id,
			PatientName:    p.PersonalInfo.FullName,
			HadAppointment: p.Appointment != nil,
			DeletedBy:      deletedBy,
			Reason:         reason,
			DeletedAt:      s.now().UTC(),
		}

		writes := map[string]any{
			path:      nil,
			auditPath: audit,
		}
		var c idalloc.Counter
		if snap := cur[idalloc.CounterPath]; snap.Exists() {
			if err := snap.Decode(&c); err == nil && c.PatientCount > 0 {
				writes[store.Join(idalloc.CounterPath, "patientCount")] = c.PatientCount - 1
			}
		}
		return writes, nil
	})
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete patient %s: %w", id, err)
	}
	return audit, nil
}
