// Package scheduling runs the appointment slot of each patient through its
// states: no appointment, pending, completed, and back to no appointment
// when cancelled. Cancelling and reminding emit notification tasks.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/idalloc"
	"github.com/clinic/clinic/internal/domain/notify"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
)

// DefaultReminderLead is how far ahead an appointment must be for a
// reminder to be worth sending.
const DefaultReminderLead = 24 * time.Hour

var (
	ErrNothingToCancel   = errors.New("no appointment to cancel")
	ErrNoAppointment     = errors.New("patient has no appointment")
	ErrInvalidTransition = errors.New("invalid appointment transition")
)

type ScheduleRequest struct {
	AppointmentDate string `json:"appointmentDate" validate:"required,date"`
	AppointmentTime string `json:"appointmentTime" validate:"required,clock"`
	Description     string `json:"description,omitempty" validate:"max=1000"`
}

type ScheduleResult struct {
	Appointment *patient.Appointment `json:"appointment"`
	Reminder    *notify.TaskRef      `json:"reminder,omitempty"`
}

type CancelResult struct {
	Appointment  *patient.Appointment `json:"appointment"`
	Notification *notify.TaskRef      `json:"notification,omitempty"`
}

type Config struct {
	// ReminderLead defaults to DefaultReminderLead.
	ReminderLead time.Duration
	// Location appointment dates and times are read in. Defaults to UTC.
	Location *time.Location
}

type Service struct {
	store    store.Store
	producer *notify.Producer
	validate *validator.Validate
	lead     time.Duration
	location *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(s store.Store, producer *notify.Producer, v *validator.Validate, cfg Config, logger zerolog.Logger) *Service {
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = DefaultReminderLead
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Service{
		store:    s,
		producer: producer,
		validate: v,
		lead:     cfg.ReminderLead,
		location: cfg.Location,
		logger:   logger.With().Str("component", "scheduling").Logger(),
		now:      time.Now,
	}
}

// Get returns the patient's appointment slot.
func (s *Service) Get(ctx context.Context, patientID string) (*patient.Appointment, error) {
	if err := checkPatientID(patientID); err != nil {
		return nil, err
	}
	snap, err := s.store.Read(ctx, patient.Path(patientID))
	if err != nil {
		return nil, fmt.Errorf("read patient %s: %w", patientID, err)
	}
	if !snap.Exists() {
		return nil, patient.ErrPatientNotFound
	}
	appt, err := decodeAppointment(snap)
	if err != nil {
		return nil, err
	}
	if appt == nil {
		return nil, ErrNoAppointment
	}
	return appt, nil
}

// Schedule fills the slot with a pending appointment, replacing whatever
// was there. The registration's lastVisit is stamped at scheduling time and
// nextAppointment is set to "date time". A reminder is then created when
// the appointment is eligible for one.
func (s *Service) Schedule(ctx context.Context, patientID string, req ScheduleRequest) (*ScheduleResult, error) {
	if err := validate.Struct(s.validate, req); err != nil {
		return nil, err
	}
	if err := checkPatientID(patientID); err != nil {
		return nil, err
	}

	path := patient.Path(patientID)
	var scheduled *patient.Patient
	err := s.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		snap := cur[path]
		if !snap.Exists() {
			return nil, patient.ErrPatientNotFound
		}
		p, err := patient.DecodeSnapshot(snap)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		p.Appointment = &patient.Appointment{
			PatientID:       patientID,
			PatientName:     p.PersonalInfo.FullName,
			AppointmentDate: req.AppointmentDate,
			AppointmentTime: req.AppointmentTime,
			Description:     req.Description,
			CreatedAt:       now,
			Status:          patient.StatusPending,
		}
		p.RegistrationInfo.LastVisit = &now
		p.RegistrationInfo.NextAppointment = req.AppointmentDate + " " + req.AppointmentTime
		scheduled = p

		reg := patient.RegistrationPath(patientID)
		return map[string]any{
			patient.AppointmentPath(patientID): p.Appointment,
			store.Join(reg, "lastVisit"):       now,
			store.Join(reg, "nextAppointment"): p.RegistrationInfo.NextAppointment,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("schedule appointment for %s: %w", patientID, err)
	}

	result := &ScheduleResult{Appointment: scheduled.Appointment}
	ref, _, err := s.ScheduleReminderIfEligible(ctx, scheduled)
	switch {
	case err != nil:
		// The reminder watcher retries on the next change it observes.
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("reminder not created")
	case ref.Key != "":
		result.Reminder = &ref
	}
	return result, nil
}

// Cancel empties the slot and, when the patient has an email address, emits
// a cancellation task built from the slot as it was, all in one commit.
// Cancelling an empty slot fails with ErrNothingToCancel and writes nothing.
func (s *Service) Cancel(ctx context.Context, patientID string) (*CancelResult, error) {
	if err := checkPatientID(patientID); err != nil {
		return nil, err
	}

	path := patient.Path(patientID)
	var result *CancelResult
	err := s.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		snap := cur[path]
		if !snap.Exists() {
			return nil, patient.ErrPatientNotFound
		}
		p, err := patient.DecodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		appt := p.Appointment
		if appt == nil {
			return nil, ErrNothingToCancel
		}
		if appt.Status == patient.StatusCompleted {
			return nil, fmt.Errorf("%w: appointment is already completed", ErrInvalidTransition)
		}

		now := s.now().UTC()
		cancelled := *appt
		cancelled.Status = patient.StatusCancelled
		cancelled.CancelledAt = &now
		result = &CancelResult{Appointment: &cancelled}

		reg := patient.RegistrationPath(patientID)
		writes := map[string]any{
			patient.AppointmentPath(patientID): nil,
			store.Join(reg, "nextAppointment"): nil,
		}
		if p.ContactInfo.Email != "" {
			ref, taskPath, task := s.producer.Prepare(notify.KindCancellation, payloadFor(p, appt))
			writes[taskPath] = task
			result.Notification = &ref
		}
		return writes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel appointment for %s: %w", patientID, err)
	}
	return result, nil
}

// Complete moves a pending appointment to completed.
func (s *Service) Complete(ctx context.Context, patientID string) (*patient.Appointment, error) {
	if err := checkPatientID(patientID); err != nil {
		return nil, err
	}

	path := patient.Path(patientID)
	var completed *patient.Appointment
	err := s.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		snap := cur[path]
		if !snap.Exists() {
			return nil, patient.ErrPatientNotFound
		}
		appt, err := decodeAppointment(snap)
		if err != nil {
			return nil, err
		}
		if appt == nil {
			return nil, ErrNoAppointment
		}
		if appt.Status != patient.StatusPending {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, appt.Status, patient.StatusCompleted)
		}

		now := s.now().UTC()
		appt.Status = patient.StatusCompleted
		appt.CompletedAt = &now
		completed = appt

		apptPath := patient.AppointmentPath(patientID)
		reg := patient.RegistrationPath(patientID)
		return map[string]any{
			store.Join(apptPath, "status"):      patient.StatusCompleted,
			store.Join(apptPath, "completedAt"): now,
			store.Join(reg, "nextAppointment"):  nil,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete appointment for %s: %w", patientID, err)
	}
	return completed, nil
}

// ScheduleReminderIfEligible makes sure a reminder exists for the patient's
// appointment when it is pending, the patient has an email address and the
// appointment is more than the reminder lead away. It returns the reminder
// ref, empty when the appointment is not eligible, and whether this call
// created the task.
func (s *Service) ScheduleReminderIfEligible(ctx context.Context, p *patient.Patient) (notify.TaskRef, bool, error) {
	appt := p.Appointment
	if appt == nil || appt.Status != patient.StatusPending || p.ContactInfo.Email == "" {
		return notify.TaskRef{}, false, nil
	}
	at, err := s.appointmentTime(appt)
	if err != nil {
		return notify.TaskRef{}, false, err
	}
	if at.Sub(s.now()) <= s.lead {
		return notify.TaskRef{}, false, nil
	}
	return s.producer.EnsureReminder(ctx, payloadFor(p, appt))
}

func (s *Service) appointmentTime(appt *patient.Appointment) (time.Time, error) {
	at, err := time.ParseInLocation(validate.DateLayout+" "+validate.TimeLayout,
		appt.AppointmentDate+" "+appt.AppointmentTime, s.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("appointment of %s: %w", appt.PatientID, err)
	}
	return at, nil
}

func payloadFor(p *patient.Patient, appt *patient.Appointment) notify.Payload {
	id := appt.PatientID
	if id == "" {
		id = p.ID
	}
	name := appt.PatientName
	if name == "" {
		name = p.PersonalInfo.FullName
	}
	return notify.Payload{
		PatientID:       id,
		PatientEmail:    p.ContactInfo.Email,
		PatientName:     name,
		AppointmentDate: appt.AppointmentDate,
		AppointmentTime: appt.AppointmentTime,
		Description:     appt.Description,
	}
}

func decodeAppointment(patientSnap store.Snapshot) (*patient.Appointment, error) {
	snap := patientSnap.Child("appointments")
	if !snap.Exists() {
		return nil, nil
	}
	var appt patient.Appointment
	if err := snap.Decode(&appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func checkPatientID(id string) error {
	if _, err := idalloc.ParsePatientID(id); err != nil {
		return patient.ErrPatientNotFound
	}
	return nil
}
