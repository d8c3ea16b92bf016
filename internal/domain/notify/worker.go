package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/clinic/internal/domain/staff"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/store"
	"github.com/clinic/clinic/internal/platform/validate"
)

// StaffDirectory resolves the reply-to address of outgoing email.
type StaffDirectory interface {
	FindByRole(ctx context.Context, role string) (*staff.User, error)
}

type job struct {
	ref  TaskRef
	snap store.Snapshot
}

// Worker consumes task records. Each pending task is claimed (pending to
// processing) before the email goes out, so a task redelivered to this or
// another worker is never sent twice. Every claimed task ends with exactly
// one terminal write: sent or failed. Failures are not retried.
type Worker struct {
	store     store.Store
	sender    notification.EmailSender
	renderer  *Renderer
	directory StaffDirectory
	validate  *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time

	// ID is recorded as claimedBy on every task this worker claims.
	ID string
	// Concurrency bounds the number of tasks handled at once.
	Concurrency int
	// HandleTimeout bounds one task, send and terminal write included. A
	// task already claimed is finished even while the worker shuts down.
	HandleTimeout time.Duration

	mu       sync.Mutex
	inflight map[TaskRef]bool
}

// NewWorker creates a worker. directory may be nil, in which case email goes
// out without a reply-to address.
func NewWorker(s store.Store, sender notification.EmailSender, renderer *Renderer, directory StaffDirectory, logger zerolog.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		store:         s,
		sender:        sender,
		renderer:      renderer,
		directory:     directory,
		validate:      validate.New(),
		logger:        logger.With().Str("component", "notify-worker").Logger(),
		now:           time.Now,
		ID:            fmt.Sprintf("%s-%d-%s", host, os.Getpid(), store.NewKey()[:8]),
		Concurrency:   4,
		HandleTimeout: 30 * time.Second,
		inflight:      make(map[TaskRef]bool),
	}
}

// Run subscribes to both task collections and hands every pending task to
// a bounded pool. Tasks already pending at start-up are picked up too. It
// blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < max(w.Concurrency, 1); i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-jobs:
					w.handle(gctx, j)
				}
			}
		})
	}

	for _, kind := range Kinds {
		unsubscribe, err := w.store.Subscribe(gctx, kind.Collection(), func(snap store.Snapshot) {
			w.dispatch(gctx, kind, snap, jobs)
		})
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("subscribe %s: %w", kind.Collection(), err)
		}
		defer unsubscribe()
	}

	w.logger.Info().Str("worker_id", w.ID).Int("concurrency", max(w.Concurrency, 1)).Msg("notification worker started")
	<-gctx.Done()
	err := g.Wait()
	w.logger.Info().Msg("notification worker stopped")
	return err
}

// ProcessPending handles every task currently pending, one at a time, and
// returns how many it handled. Tasks left in processing for longer than
// HandleTimeout belong to a worker that died mid-task; they are marked
// failed rather than sent again, since the email may already be out, and
// are counted as handled.
func (w *Worker) ProcessPending(ctx context.Context) (int, error) {
	handled := 0
	cutoff := w.now().UTC().Add(-w.HandleTimeout)
	for _, kind := range Kinds {
		snap, err := w.store.Read(ctx, kind.Collection())
		if err != nil {
			return handled, fmt.Errorf("read %s: %w", kind.Collection(), err)
		}
		for _, child := range snap.Children() {
			switch taskStatus(child) {
			case StatusPending:
				if err := w.HandleCreated(ctx, kind, child.Key(), child); err != nil {
					return handled, err
				}
				handled++
			case StatusProcessing:
				ok, err := w.abandon(ctx, TaskRef{Kind: kind, Key: child.Key()}, cutoff)
				if err != nil {
					return handled, err
				}
				if ok {
					handled++
				}
			}
		}
	}
	return handled, nil
}

// abandon fails a processing task claimed before cutoff. It reports false
// when the task was claimed recently or has moved on in the meantime.
func (w *Worker) abandon(ctx context.Context, ref TaskRef, cutoff time.Time) (bool, error) {
	path := ref.Path()
	var stale bool
	var claimedBy string
	err := w.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		stale = false
		if !cur[path].Exists() {
			return nil, nil
		}
		var task Task
		if err := cur[path].Decode(&task); err != nil {
			return nil, err
		}
		if task.Status != StatusProcessing || (task.ClaimedAt != nil && task.ClaimedAt.After(cutoff)) {
			return nil, nil
		}
		stale, claimedBy = true, task.ClaimedBy
		return map[string]any{
			store.Join(path, "status"):   StatusFailed,
			store.Join(path, "error"):    fmt.Sprintf("abandoned while processing by %q", task.ClaimedBy),
			store.Join(path, "failedAt"): w.now().UTC(),
		}, nil
	})
	if err != nil {
		return false, fmt.Errorf("abandon %s: %w", ref, err)
	}
	if !stale {
		return false, nil
	}
	w.logger.Warn().Str("task", ref.String()).Str("claimed_by", claimedBy).Msg("stale task marked failed")
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, kind Kind, snap store.Snapshot, jobs chan<- job) {
	for _, child := range snap.Children() {
		if taskStatus(child) != StatusPending {
			continue
		}
		ref := TaskRef{Kind: kind, Key: child.Key()}
		if !w.markInflight(ref) {
			continue
		}
		select {
		case jobs <- job{ref: ref, snap: child}:
		case <-ctx.Done():
			w.clearInflight(ref)
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, j job) {
	defer w.clearInflight(j.ref)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.HandleTimeout)
	defer cancel()
	if err := w.HandleCreated(hctx, j.ref.Kind, j.ref.Key, j.snap); err != nil {
		w.logger.Error().Err(err).Str("task", j.ref.String()).Msg("handle notification task")
	}
}

func (w *Worker) markInflight(ref TaskRef) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[ref] {
		return false
	}
	w.inflight[ref] = true
	return true
}

func (w *Worker) clearInflight(ref TaskRef) {
	w.mu.Lock()
	delete(w.inflight, ref)
	w.mu.Unlock()
}

// HandleCreated is the trigger entry point: it is invoked with the snapshot
// of a newly created task record and its path parameters. A task that is
// not pending, or that another invocation claims first, is left alone.
func (w *Worker) HandleCreated(ctx context.Context, kind Kind, key string, snap store.Snapshot) error {
	ref := TaskRef{Kind: kind, Key: key}
	log := w.logger.With().Str("task", ref.String()).Logger()

	if !snap.Exists() {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, ref)
	}
	if status := taskStatus(snap); status != StatusPending {
		log.Debug().Str("status", string(status)).Msg("skipping task that is not pending")
		return nil
	}

	claimed, err := w.claim(ctx, ref)
	if errors.Is(err, ErrAlreadyClaimed) {
		log.Debug().Msg("task claimed elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", ref, err)
	}

	sendErr := w.deliver(ctx, kind, claimed)
	if err := w.finish(ctx, ref, sendErr); err != nil {
		return fmt.Errorf("record outcome of %s: %w", ref, err)
	}
	if sendErr != nil {
		log.Warn().Err(sendErr).Msg("notification failed")
	} else {
		log.Info().Msg("notification sent")
	}
	return nil
}

func (w *Worker) claim(ctx context.Context, ref TaskRef) (store.Snapshot, error) {
	path := ref.Path()
	var claimed store.Snapshot
	err := w.store.Transact(ctx, []string{path}, func(cur map[string]store.Snapshot) (map[string]any, error) {
		snap := cur[path]
		if !snap.Exists() {
			return nil, ErrTaskNotFound
		}
		if taskStatus(snap) != StatusPending {
			return nil, ErrAlreadyClaimed
		}
		claimed = snap
		return map[string]any{
			store.Join(path, "status"):    StatusProcessing,
			store.Join(path, "claimedAt"): w.now().UTC(),
			store.Join(path, "claimedBy"): w.ID,
		}, nil
	})
	return claimed, err
}

// deliver validates the task, renders it and sends it. Validation problems
// are returned without sending.
func (w *Worker) deliver(ctx context.Context, kind Kind, snap store.Snapshot) error {
	var task Task
	if err := snap.Decode(&task); err != nil {
		return fmt.Errorf("malformed task record: %w", err)
	}
	if task.PatientEmail == "" {
		return errors.New("patient email is missing")
	}
	if err := w.validate.Var(task.PatientEmail, "email"); err != nil {
		return fmt.Errorf("invalid patient email %q", task.PatientEmail)
	}
	date, err := time.Parse(validate.DateLayout, task.AppointmentDate)
	if err != nil {
		return fmt.Errorf("invalid appointment date %q: %w", task.AppointmentDate, err)
	}
	at, err := time.Parse(validate.TimeLayout, task.AppointmentTime)
	if err != nil {
		return fmt.Errorf("invalid appointment time %q: %w", task.AppointmentTime, err)
	}

	subject, html, err := w.renderer.Render(kind, task, date, at)
	if err != nil {
		return err
	}
	msg := notification.Email{
		To:      task.PatientEmail,
		Subject: subject,
		HTML:    html,
		ReplyTo: w.replyTo(ctx),
	}
	if err := w.sender.SendEmail(ctx, msg); err != nil {
		return fmt.Errorf("deliver email: %w", err)
	}
	return nil
}

func (w *Worker) replyTo(ctx context.Context) string {
	if w.directory == nil {
		return ""
	}
	u, err := w.directory.FindByRole(ctx, auth.RoleFrontdesk)
	if err != nil {
		if !errors.Is(err, staff.ErrUserNotFound) {
			w.logger.Warn().Err(err).Msg("frontdesk lookup failed")
		}
		return ""
	}
	return u.Email
}

func (w *Worker) finish(ctx context.Context, ref TaskRef, sendErr error) error {
	now := w.now().UTC()
	writes := map[string]any{"status": StatusSent, "sentAt": now}
	if sendErr != nil {
		writes = map[string]any{"status": StatusFailed, "error": sendErr.Error(), "failedAt": now}
	}
	return w.store.Update(ctx, ref.Path(), writes)
}

func taskStatus(snap store.Snapshot) Status {
	s, _ := snap.Child("status").Value.(string)
	return Status(s)
}
