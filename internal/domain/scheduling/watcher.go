package scheduling

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/notify"
	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/platform/store"
)

// ReminderWatcher follows every patient record and makes sure each eligible
// appointment has its reminder, whoever scheduled it. Reminder keys are
// deterministic, so evaluating the same appointment again never produces a
// second task; ensured keys are memoised to skip the transaction.
type ReminderWatcher struct {
	svc    *Service
	logger zerolog.Logger

	mu      sync.Mutex
	ensured map[string]string // patient id -> reminder key
}

func NewReminderWatcher(svc *Service, logger zerolog.Logger) *ReminderWatcher {
	return &ReminderWatcher{
		svc:     svc,
		logger:  logger.With().Str("component", "reminder-watcher").Logger(),
		ensured: make(map[string]string),
	}
}

// Run evaluates every patient on start and after every change to the
// patients collection. It blocks until ctx is done.
func (w *ReminderWatcher) Run(ctx context.Context) error {
	unsubscribe, err := w.svc.store.Subscribe(ctx, patient.Collection, func(snap store.Snapshot) {
		w.Evaluate(ctx, snap)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", patient.Collection, err)
	}
	defer unsubscribe()

	w.logger.Info().Dur("lead", w.svc.lead).Msg("reminder watcher started")
	<-ctx.Done()
	return nil
}

// Evaluate checks each patient in a snapshot of the patients collection and
// returns the number of reminders it created.
func (w *ReminderWatcher) Evaluate(ctx context.Context, patients store.Snapshot) int {
	created := 0
	for _, child := range patients.Children() {
		if ctx.Err() != nil {
			return created
		}
		p, err := patient.DecodeSnapshot(child)
		if err != nil {
			w.logger.Debug().Err(err).Str("patient_id", child.Key()).Msg("skipping undecodable patient")
			continue
		}
		if p.Appointment == nil {
			w.forget(p.ID)
			continue
		}
		key, err := notify.ReminderKey(payloadFor(p, p.Appointment))
		if err != nil || w.seen(p.ID, key) {
			continue
		}

		ref, ok, err := w.svc.ScheduleReminderIfEligible(ctx, p)
		if err != nil {
			w.logger.Warn().Err(err).Str("patient_id", p.ID).Msg("reminder evaluation failed")
			continue
		}
		if ref.Key == "" {
			continue
		}
		w.remember(p.ID, ref.Key)
		if ok {
			created++
			w.logger.Info().Str("patient_id", p.ID).Str("task", ref.String()).Msg("reminder scheduled")
		}
	}
	return created
}

func (w *ReminderWatcher) seen(patientID, key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensured[patientID] == key
}

func (w *ReminderWatcher) remember(patientID, key string) {
	w.mu.Lock()
	w.ensured[patientID] = key
	w.mu.Unlock()
}

func (w *ReminderWatcher) forget(patientID string) {
	w.mu.Lock()
	delete(w.ensured, patientID)
	w.mu.Unlock()
}
