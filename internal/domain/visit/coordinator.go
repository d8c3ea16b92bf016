// Package visit records clinical visits. A submitted visit touches several
// parts of the tree at once (the visit and examination records, the
// patient's history summary and last-visit stamps, and the stock of every
// prescribed medicine) and all of it commits together or not at all.
package visit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clinic/clinic/internal/domain/idalloc"
	"github.com/clinic/clinic/internal/domain/inventory"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
)

var ErrInsufficientStock = errors.New("insufficient stock")

type Submission struct {
	Kind             string                 `json:"kind" validate:"required,oneof=medical dental"`
	Complaint        string                 `json:"complaint,omitempty" validate:"max=2000"`
	Diagnosis        string                 `json:"diagnosis,omitempty" validate:"max=2000"`
	Treatment        string                 `json:"treatment,omitempty" validate:"max=2000"`
	Notes            string                 `json:"notes,omitempty" validate:"max=4000"`
	VitalSigns       map[string]string      `json:"vitalSigns,omitempty" validate:"max=50,dive,keys,segment,max=100,endkeys,max=200"`
	Findings         map[string]string      `json:"findings,omitempty" validate:"max=100,dive,keys,segment,max=100,endkeys,max=2000"`
	ExaminationNotes string                 `json:"examinationNotes,omitempty" validate:"max=4000"`
	Prescriptions    []patient.Prescription `json:"prescriptions,omitempty" validate:"dive"`
}

type Result struct {
	VisitKey       string              `json:"visitKey"`
	ExaminationKey string              `json:"examinationKey"`
	Visit          patient.Visit       `json:"visit"`
	Examination    patient.Examination `json:"examination"`
	History        patient.History     `json:"history"`
	// Stock is the remaining quantity of each prescribed medicine.
	Stock map[string]int `json:"stock,omitempty"`
}

type Coordinator struct {
	store    store.Store
	validate *validator.Validate
	now      func() time.Time
	newKey   func() string
}

func NewCoordinator(s store.Store, v *validator.Validate) *Coordinator {
	return &Coordinator{store: s, validate: v, now: time.Now, newKey: store.NewKey}
}

// Submit records a visit by practitionerID. Prescriptions of the same
// medicine are added up. If any medicine is missing or would drop below
// zero, nothing is written.
func (c *Coordinator) Submit(ctx context.Context, patientID, practitionerID string, sub Submission) (*Result, error) {
	if err := validate.Struct(c.validate, sub); err != nil {
		return nil, err
	}
	if _, err := idalloc.ParsePatientID(patientID); err != nil {
		return nil, patient.ErrPatientNotFound
	}

	prescribed := make(map[string]int)
	for _, rx := range sub.Prescriptions {
		prescribed[rx.MedicineID] += rx.Quantity
	}
	medicineIDs := make([]string, 0, len(prescribed))
	for id := range prescribed {
		medicineIDs = append(medicineIDs, id)
	}
	sort.Strings(medicineIDs)

	patientPath := patient.Path(patientID)
	reads := []string{patientPath}
	for _, id := range medicineIDs {
		reads = append(reads, inventory.Path(id))
	}

	visitKey, examKey := c.newKey(), c.newKey()
	var result *Result
	err := c.store.Transact(ctx, reads, func(cur map[string]store.Snapshot) (map[string]any, error) {
		snap := cur[patientPath]
		if !snap.Exists() {
			return nil, patient.ErrPatientNotFound
		}

		writes := make(map[string]any)
		stock := make(map[string]int, len(medicineIDs))
		for _, id := range medicineIDs {
			med := cur[inventory.Path(id)]
			if !med.Exists() {
				return nil, fmt.Errorf("%w: %s", inventory.ErrMedicineNotFound, id)
			}
			have, ok := med.Child("quantity").Value.(float64)
			if !ok {
				return nil, fmt.Errorf("medicine %s has no numeric quantity", id)
			}
			remaining := int(have) - prescribed[id]
			if remaining < 0 {
				return nil, fmt.Errorf("%w: medicine %s has %d, %d prescribed", ErrInsufficientStock, id, int(have), prescribed[id])
			}
			stock[id] = remaining
			writes[inventory.QuantityPath(id)] = remaining
		}

		var history patient.History
		if h := snap.Child("history"); h.Exists() {
			if err := h.Decode(&history); err != nil {
				return nil, err
			}
		}

		now := c.now().UTC()
		v := patient.Visit{
			Kind:           sub.Kind,
			VisitedAt:      now,
			PractitionerID: practitionerID,
			Complaint:      sub.Complaint,
			Diagnosis:      sub.Diagnosis,
			Treatment:      sub.Treatment,
			Notes:          sub.Notes,
			Prescriptions:  sub.Prescriptions,
			ExaminationKey: examKey,
		}
		exam := patient.Examination{
			Kind:       sub.Kind,
			ExaminedAt: now,
			VisitKey:   visitKey,
			VitalSigns: sub.VitalSigns,
			Findings:   sub.Findings,
			Notes:      sub.ExaminationNotes,
		}
		history.VisitCount++
		if sub.Kind == patient.VisitDental {
			history.DentalVisits++
		}
		history.LastVisitKey = visitKey
		history.LastVisitKind = sub.Kind
		history.LastVisitAt = now
		history.LastDiagnosis = sub.Diagnosis
		history.LastTreatment = sub.Treatment

		reg := patient.RegistrationPath(patientID)
		writes[store.Join(patient.VisitsPath(patientID), visitKey)] = v
		writes[store.Join(patient.ExaminationsPath(patientID), examKey)] = exam
		writes[patient.HistoryPath(patientID)] = history
		writes[store.Join(reg, "lastVisit")] = now
		if sub.Kind == patient.VisitDental {
			writes[store.Join(reg, "lastDentalVisit")] = now
		}

		result = &Result{
			VisitKey:       visitKey,
			ExaminationKey: examKey,
			Visit:          v,
			Examination:    exam,
			History:        history,
			Stock:          stock,
		}
		return writes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit visit for %s: %w", patientID, err)
	}
	return result, nil
}

// List returns the patient's visits, oldest first.
func (c *Coordinator) List(ctx context.Context, patientID string) ([]patient.Visit, error) {
	if _, err := idalloc.ParsePatientID(patientID); err != nil {
		return nil, patient.ErrPatientNotFound
	}
	snap, err := c.store.Read(ctx, patient.Path(patientID))
	if err != nil {
		return nil, fmt.Errorf("read patient %s: %w", patientID, err)
	}
	if !snap.Exists() {
		return nil, patient.ErrPatientNotFound
	}
	out := make([]patient.Visit, 0)
	for _, child := range snap.Child("visits").Children() {
		var v patient.Visit
		if err := child.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
