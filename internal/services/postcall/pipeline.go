// Package postcall finalizes calls after they end: recording lookup, student
// resolution, statistics and the durable record.
//
// Jobs are rows in the job store, so they survive restarts and can be polled by
// every instance. A job always reruns from the first step; every step is safe to
// repeat.
package postcall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/config"
	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/session"
	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/core/task"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/repository"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"github.com/niva-ai/niva-voice-service/pkg/pubsub"
	"go.uber.org/zap"
)

// errRecordingPending reschedules a job without spending an attempt.
var errRecordingPending = errors.New("recording not ready yet")

// staleClaimFactor times JobTimeout is how long a claim may stay in_progress
// before another instance takes it over. A claimed job can wait up to one
// JobTimeout for a worker and then run for another.
const staleClaimFactor = 3

// Publisher receives one event per finalized record.
type Publisher interface {
	PublishCallFinalized(ctx context.Context, ev pubsub.CallFinalizedEvent) error
}

// Archive stores finalized records and signs links to stored recordings.
type Archive interface {
	UploadJSON(ctx context.Context, objectPath string, v interface{}) (string, error)
	SignURL(ctx context.Context, gcsURI string, expiresAt time.Time) (string, error)
}

// Deps are the pipeline collaborators. Tasks, Presence, Publisher and Archive
// are optional.
type Deps struct {
	Jobs      repository.JobRepository
	Records   repository.CallRecordRepository
	Students  repository.StudentRepository
	Provider  provider.Provider
	Registry  *session.Registry
	Tasks     task.Bus
	Presence  *session.Presence
	Publisher Publisher
	Archive   Archive
	// SignedURLTTL bounds recording links signed through Archive.
	SignedURLTTL time.Duration
}

type Pipeline struct {
	cfg  config.PostCallConfig
	deps Deps
	wake chan string
	now  func() time.Time

	// scheduled holds local sessions whose job is known to exist.
	scheduled sync.Map
	workers   sync.WaitGroup
}

func New(cfg config.PostCallConfig, deps Deps) *Pipeline {
	if deps.SignedURLTTL <= 0 {
		deps.SignedURLTTL = 24 * time.Hour
	}
	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		wake: make(chan string, 256),
		now:  time.Now,
	}
}

// Attach schedules a job for every call that becomes ENDED or FAILED and wakes the
// job when its recording is ready.
func (p *Pipeline) Attach(bus event.EventBus) error {
	if err := bus.Subscribe(event.CallStateChanged, func(e *event.CallEvent) {
		change, ok := e.StateChange()
		if !ok || !statemachine.TriggersPostCall(change.To) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Enqueue(ctx, change.Session); err != nil {
			logger.ForSession(e.SessionID).Error("Failed to schedule post-call job", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	return bus.Subscribe(event.RecordingReady, func(e *event.CallEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Kick(ctx, e.SessionID, "recording_ready")
	})
}

// Enqueue creates the session's job. A session gets at most one job; later calls
// are no-ops.
func (p *Pipeline) Enqueue(ctx context.Context, s domain.CallSession) error {
	job := &domain.PostCallJob{
		ID:            uuid.New().String(),
		SessionID:     s.SessionID,
		Status:        domain.JobPending,
		NextAttemptAt: p.now(),
		Degraded:      s.State == domain.StateFailed,
		Snapshot:      domain.SessionSnapshot{CallSession: s.Clone()},
	}
	created, err := p.deps.Jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return err
	}
	p.scheduled.Store(s.SessionID, struct{}{})
	if created {
		logger.ForSession(s.SessionID).Info("Post-call job scheduled",
			zap.String("state", string(s.State)),
			zap.Bool("degraded", job.Degraded))
		p.signal(s.SessionID)
	}
	return nil
}

// reconcile schedules jobs for local ENDED and FAILED sessions whose job could
// not be created when they ended.
func (p *Pipeline) reconcile(ctx context.Context) {
	for _, s := range p.deps.Registry.ListActive() {
		if !statemachine.TriggersPostCall(s.State) {
			continue
		}
		if _, ok := p.scheduled.Load(s.SessionID); ok {
			continue
		}
		if err := p.Enqueue(ctx, s); err != nil {
			logger.ForSession(s.SessionID).Warn("Post-call job still not scheduled", zap.Error(err))
		}
	}
}

// Kick asks for the session's job to run now. With a task bus every instance hears
// it and the job store decides which one runs it.
func (p *Pipeline) Kick(ctx context.Context, sessionID, reason string) {
	if p.deps.Tasks == nil {
		p.signal(sessionID)
		return
	}
	err := p.deps.Tasks.Publish(ctx, task.SessionTask{Type: task.TaskTypePostCallKick, SessionID: sessionID, Reason: reason})
	if err != nil {
		logger.ForSession(sessionID).Warn("Failed to publish post-call kick, running locally", zap.Error(err))
		p.signal(sessionID)
	}
}

func (p *Pipeline) instanceID() string {
	if p.deps.Presence == nil {
		return ""
	}
	return p.deps.Presence.InstanceID()
}

func (p *Pipeline) onTask(t task.SessionTask) {
	if !t.For(p.instanceID()) {
		return
	}
	switch t.Type {
	case task.TaskTypePostCallKick:
		p.signal(t.SessionID)
	case task.TaskTypePostCallDone:
		p.settle(t.SessionID, domain.JobStatus(t.Reason))
	}
}

func (p *Pipeline) signal(sessionID string) {
	select {
	case p.wake <- sessionID:
	default:
		// The poller picks the job up on its next tick.
	}
}

func (p *Pipeline) staleAfter() time.Duration {
	if p.cfg.JobTimeout <= 0 {
		return time.Minute
	}
	return staleClaimFactor * p.cfg.JobTimeout
}

// requeueStale returns jobs whose claim outlived any attempt to pending. Their
// instance crashed or lost the store while saving.
func (p *Pipeline) requeueStale(ctx context.Context) {
	n, err := p.deps.Jobs.RequeueInProgress(ctx, p.now().Add(-p.staleAfter()))
	if err != nil {
		logger.Base().Warn("Failed to requeue abandoned post-call jobs", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Base().Info("Requeued abandoned post-call jobs", zap.Int("count", n))
	}
}

// Run polls for due jobs and feeds the workers until ctx is done. Abandoned
// in_progress jobs are requeued on start and then periodically.
func (p *Pipeline) Run(ctx context.Context) error {
	p.requeueStale(ctx)

	if p.deps.Tasks != nil {
		if err := p.deps.Tasks.Subscribe(ctx, p.onTask); err != nil {
			logger.Base().Warn("Post-call kicks unavailable, relying on polling", zap.Error(err))
		}
	}

	work := make(chan *domain.PostCallJob)
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			for job := range work {
				p.process(job)
			}
		}()
	}
	defer func() {
		close(work)
		p.workers.Wait()
	}()

	dispatch := func(job *domain.PostCallJob) bool {
		select {
		case work <- job:
			return true
		case <-ctx.Done():
			// Left in_progress until requeueStale picks it up.
			return false
		}
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	requeue := time.NewTicker(p.staleAfter())
	defer requeue.Stop()
	logger.Base().Info("Post-call pipeline started", zap.Int("workers", p.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			logger.Base().Info("Post-call pipeline stopping")
			return nil
		case sessionID := <-p.wake:
			job, err := p.deps.Jobs.Claim(ctx, sessionID)
			if err != nil {
				logger.ForSession(sessionID).Warn("Failed to claim post-call job", zap.Error(err))
				continue
			}
			if job != nil && !dispatch(job) {
				return nil
			}
		case <-requeue.C:
			p.requeueStale(ctx)
		case <-ticker.C:
			p.reconcile(ctx)
			jobs, err := p.deps.Jobs.ClaimDue(ctx, p.now(), p.cfg.Workers*2)
			if err != nil {
				logger.Base().Warn("Failed to claim due post-call jobs", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				if !dispatch(job) {
					return nil
				}
			}
		}
	}
}

// backoff is BaseBackoff doubled per spent attempt, capped at MaxBackoff.
func (p *Pipeline) backoff(attempts int) time.Duration {
	d := p.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	if d > p.cfg.MaxBackoff {
		return p.cfg.MaxBackoff
	}
	return d
}

// process runs one attempt and stores its outcome. It is detached from the Run
// context so a shutdown lets the attempt finish within JobTimeout.
func (p *Pipeline) process(job *domain.PostCallJob) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	log := logger.ForSession(job.SessionID).With(zap.Int("attempt", job.AttemptCount+1))
	s := job.Snapshot.CallSession
	live, err := p.deps.Registry.Get(job.SessionID)
	local := err == nil
	if local {
		// Webhooks may have added the recording after the snapshot was taken.
		s = live
	} else if owner, ok := p.ownerOf(ctx, job); ok {
		p.handBack(ctx, job, owner)
		return
	}

	err = p.finalize(ctx, s, job)
	now := p.now()
	switch {
	case errors.Is(err, errRecordingPending):
		job.Status = domain.JobPending
		job.NextAttemptAt = now.Add(p.cfg.BaseBackoff)
		log.Debug("Waiting for recording")

	case err != nil:
		job.AttemptCount++
		job.LastError = err.Error()
		if job.AttemptCount >= p.cfg.MaxAttempts {
			// The job keeps the snapshot, so operators can still retry it.
			job.Status = domain.JobFailedTerminal
			exhausted := &domain.PipelineExhaustedError{SessionID: job.SessionID, Attempts: job.AttemptCount, LastError: job.LastError}
			log.Error("Post-call job exhausted", zap.Error(exhausted))
		} else {
			job.Status = domain.JobPending
			job.NextAttemptAt = now.Add(p.backoff(job.AttemptCount))
			log.Warn("Post-call attempt failed", zap.Error(err), zap.Time("next_attempt_at", job.NextAttemptAt))
		}

	default:
		job.AttemptCount++
		job.Status = domain.JobSucceeded
		job.LastError = ""
		job.CompletedAt = &now
	}

	if saveErr := p.deps.Jobs.Save(ctx, job); saveErr != nil {
		// The row stays in_progress until requeueStale picks it up.
		log.Error("Failed to save post-call job", zap.Error(saveErr))
		return
	}
	if job.Status != domain.JobSucceeded && job.Status != domain.JobFailedTerminal {
		return
	}
	if job.Status == domain.JobSucceeded {
		log.Info("Call finalized")
	}
	p.settle(job.SessionID, job.Status)
	p.deleteRoom(ctx, s)
	if !local {
		p.announce(ctx, job)
	}
}

// ownerOf returns the instance holding the live session when that is another
// instance. The owner's copy carries webhook updates the snapshot lacks, so it
// gets the job for up to RecordingWait after scheduling.
func (p *Pipeline) ownerOf(ctx context.Context, job *domain.PostCallJob) (string, bool) {
	if p.deps.Presence == nil || p.now().Sub(job.CreatedAt) > p.cfg.RecordingWait {
		return "", false
	}
	info, found, err := p.deps.Presence.Lookup(ctx, job.SessionID)
	if err != nil {
		logger.ForSession(job.SessionID).Warn("Failed to look up session owner", zap.Error(err))
		return "", false
	}
	if !found || info.InstanceID == "" || info.InstanceID == p.instanceID() {
		return "", false
	}
	return info.InstanceID, true
}

// handBack returns the claim without spending an attempt and asks the owner to
// run the job.
func (p *Pipeline) handBack(ctx context.Context, job *domain.PostCallJob, owner string) {
	log := logger.ForSession(job.SessionID)
	job.Status = domain.JobPending
	job.NextAttemptAt = p.now().Add(p.cfg.BaseBackoff)
	if err := p.deps.Jobs.Save(ctx, job); err != nil {
		log.Error("Failed to hand post-call job back", zap.Error(err))
		return
	}
	log.Debug("Post-call job belongs to another instance", zap.String("owner", owner))
	if p.deps.Tasks == nil {
		return
	}
	err := p.deps.Tasks.Publish(ctx, task.SessionTask{
		Type:      task.TaskTypePostCallKick,
		SessionID: job.SessionID,
		Reason:    "owner_handoff",
		Target:    owner,
	})
	if err != nil {
		log.Warn("Failed to notify session owner", zap.Error(err))
	}
}

// announce tells the other instances that a job ran without the live session,
// so whichever holds it can let it go.
func (p *Pipeline) announce(ctx context.Context, job *domain.PostCallJob) {
	if p.deps.Tasks == nil {
		return
	}
	err := p.deps.Tasks.Publish(ctx, task.SessionTask{
		Type:      task.TaskTypePostCallDone,
		SessionID: job.SessionID,
		Reason:    string(job.Status),
	})
	if err != nil {
		logger.ForSession(job.SessionID).Warn("Failed to announce finished post-call job", zap.Error(err))
	}
}

// settle retires a local session whose job is final. A cleanly ended call is
// marked POST_PROCESSED before it leaves the registry.
func (p *Pipeline) settle(sessionID string, status domain.JobStatus) {
	p.scheduled.Delete(sessionID)
	live, err := p.deps.Registry.Get(sessionID)
	if err != nil {
		return
	}
	log := logger.ForSession(sessionID)
	if status == domain.JobSucceeded && live.State == domain.StateEnded {
		if _, err := p.deps.Registry.Transition(sessionID, statemachine.PostProcessed, "post_call_complete", nil); err != nil && !domain.IsNotFound(err) {
			log.Warn("Failed to mark session post-processed", zap.Error(err))
		}
	}
	if err := p.deps.Registry.Remove(sessionID); err != nil && !domain.IsNotFound(err) {
		log.Warn("Failed to remove session", zap.Error(err))
	}
}

func (p *Pipeline) deleteRoom(ctx context.Context, s domain.CallSession) {
	if room := s.RoomName(); room != "" && p.deps.Provider != nil {
		if err := p.deps.Provider.DeleteRoom(ctx, room); err != nil {
			logger.ForSession(s.SessionID).Warn("Failed to delete room", zap.String("room", room), zap.Error(err))
		}
	}
}

// Retry sends a failed_terminal job back to pending with a fresh attempt budget.
func (p *Pipeline) Retry(ctx context.Context, sessionID string) error {
	job, err := p.deps.Jobs.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobFailedTerminal {
		return domain.NewValidationError("session_id", fmt.Sprintf("job is %s, not %s", job.Status, domain.JobFailedTerminal))
	}
	job.Status = domain.JobPending
	job.AttemptCount = 0
	job.LastError = ""
	job.NextAttemptAt = p.now()
	if err := p.deps.Jobs.Save(ctx, job); err != nil {
		return err
	}
	logger.ForSession(sessionID).Info("Post-call job reset by operator")
	p.Kick(ctx, sessionID, "operator_retry")
	return nil
}

// ExhaustedJob is a failed_terminal job as shown to operators.
type ExhaustedJob struct {
	SessionID string    `json:"session_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// Report is the processor status surfaced on the operator endpoint.
type Report struct {
	Counts    map[domain.JobStatus]int `json:"counts"`
	Exhausted []ExhaustedJob           `json:"exhausted"`
}

func (p *Pipeline) Report(ctx context.Context) (Report, error) {
	counts, err := p.deps.Jobs.CountByStatus(ctx)
	if err != nil {
		return Report{}, err
	}
	failed, err := p.deps.Jobs.ListByStatus(ctx, domain.JobFailedTerminal)
	if err != nil {
		return Report{}, err
	}
	report := Report{Counts: counts, Exhausted: make([]ExhaustedJob, 0, len(failed))}
	for _, job := range failed {
		report.Exhausted = append(report.Exhausted, ExhaustedJob{
			SessionID: job.SessionID,
			Attempts:  job.AttemptCount,
			LastError: job.LastError,
			FailedAt:  job.UpdatedAt,
		})
	}
	return report, nil
}
