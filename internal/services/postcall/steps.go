package postcall

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"github.com/niva-ai/niva-voice-service/pkg/pubsub"
	"go.uber.org/zap"
)

type recording struct {
	ID       string
	URL      string
	Duration time.Duration
	Present  bool
}

// Stats are the per-call aggregates stored on the record.
type Stats struct {
	DurationSeconds  int
	HasRecording     bool
	RecordingSeconds int
	HumanJoined      bool
	AgentJoined      bool
}

// finalize is one full attempt. Every step is idempotent, so a failed attempt is
// simply rerun from the top.
func (p *Pipeline) finalize(ctx context.Context, s domain.CallSession, job *domain.PostCallJob) error {
	rec, err := p.fetchRecording(ctx, s, job.Degraded)
	if err != nil {
		return err
	}

	studentID, err := p.resolveStudent(ctx, s)
	if err != nil {
		return err
	}

	stats := computeStats(s, rec)
	record, err := buildRecord(s, rec, stats, studentID, p.now())
	if err != nil {
		return err
	}

	if p.deps.Archive != nil {
		uri, err := p.deps.Archive.UploadJSON(ctx, archivePath(record), record)
		if err != nil {
			return fmt.Errorf("failed to archive call record: %w", err)
		}
		record.ArchiveURI = uri
	}

	if err := p.deps.Records.Upsert(ctx, record); err != nil {
		return fmt.Errorf("failed to persist call record: %w", err)
	}

	if p.deps.Publisher != nil {
		if err := p.deps.Publisher.PublishCallFinalized(ctx, finalizedEvent(record)); err != nil {
			return fmt.Errorf("failed to publish call finalized event: %w", err)
		}
	}
	return nil
}

// fetchRecording returns the session's recording. A missing recording id means
// pending while the provider may still deliver it, and absent afterwards.
func (p *Pipeline) fetchRecording(ctx context.Context, s domain.CallSession, degraded bool) (recording, error) {
	log := logger.ForSession(s.SessionID)
	id := s.Meta(domain.MetaRecordingID)
	if s.Meta(domain.MetaRecordingError) != "" {
		return recording{ID: id}, nil
	}
	if id == "" {
		if degraded || s.Meta(domain.MetaRecordingExpected) != "true" {
			return recording{}, nil
		}
		if s.EndedAt != nil && p.now().Sub(*s.EndedAt) < p.cfg.RecordingWait {
			return recording{}, errRecordingPending
		}
		log.Warn("Recording never arrived, finalizing without it")
		return recording{}, nil
	}

	ref, err := p.deps.Provider.FetchRecording(ctx, id)
	if err != nil {
		pe, isProvider := domain.AsProviderError(err)
		if degraded || (isProvider && !pe.Transient) {
			log.Warn("Finalizing without recording", zap.String("recording_id", id), zap.Error(err))
			return recording{ID: id}, nil
		}
		return recording{}, fmt.Errorf("failed to fetch recording %s: %w", id, err)
	}

	url := ref.DownloadURL
	if url == "" && ref.Location != "" {
		url = ref.Location
		if strings.HasPrefix(url, "gs://") && p.deps.Archive != nil {
			signed, err := p.deps.Archive.SignURL(ctx, url, p.now().Add(p.deps.SignedURLTTL))
			if err != nil {
				log.Warn("Failed to sign recording url", zap.Error(err))
			} else {
				url = signed
			}
		}
	}
	if url == "" {
		url = s.Meta(domain.MetaRecordingURL)
	}

	dur := ref.Duration
	if dur == 0 {
		if secs, err := strconv.Atoi(s.Meta(domain.MetaRecordingSeconds)); err == nil {
			dur = time.Duration(secs) * time.Second
		}
	}
	return recording{ID: id, URL: url, Duration: dur, Present: true}, nil
}

func (p *Pipeline) resolveStudent(ctx context.Context, s domain.CallSession) (string, error) {
	if s.PhoneNumber == "" || p.deps.Students == nil {
		return "", nil
	}
	student, err := p.deps.Students.ResolveByPhone(ctx, s.PhoneNumber, s.CourseID)
	if err != nil {
		if domain.IsValidation(err) {
			logger.ForSession(s.SessionID).Warn("Unusable phone number, skipping student", zap.Error(err))
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve student: %w", err)
	}
	return student.ID, nil
}

func computeStats(s domain.CallSession, rec recording) Stats {
	return Stats{
		DurationSeconds:  int(s.Duration().Seconds()),
		HasRecording:     rec.Present,
		RecordingSeconds: int(rec.Duration.Seconds()),
		HumanJoined:      s.Meta(domain.MetaHumanJoinedAt) != "",
		AgentJoined:      s.Meta(domain.MetaAgentJoinedAt) != "",
	}
}

func buildRecord(s domain.CallSession, rec recording, stats Stats, studentID string, now time.Time) (*domain.CallRecord, error) {
	record := &domain.CallRecord{}
	if err := copier.CopyWithOption(record, &s, copier.Option{IgnoreEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to map session to record: %w", err)
	}
	// Timestamps belong to the row, not the session.
	record.CreatedAt = time.Time{}
	record.UpdatedAt = time.Time{}

	record.CallSID = nil
	if s.CallSID != "" {
		sid := s.CallSID
		record.CallSID = &sid
	}
	if studentID != "" {
		record.StudentID = &studentID
	}
	record.Direction = s.Meta(domain.MetaDirection)
	record.RoomName = s.RoomName()
	record.FinalState = string(s.State)
	record.Status = domain.CallStatusCompleted
	if s.State == domain.StateFailed {
		record.Status = domain.CallStatusFailed
	}
	record.StartedAt = s.CreatedAt
	record.FinalizedAt = &now

	record.RecordingID = rec.ID
	record.RecordingURL = rec.URL
	record.HasRecording = stats.HasRecording
	record.DurationSeconds = stats.DurationSeconds

	meta := domain.Metadata{}
	for k, v := range s.Metadata {
		meta[k] = v
	}
	if stats.RecordingSeconds > 0 {
		meta[domain.MetaRecordingSeconds] = strconv.Itoa(stats.RecordingSeconds)
	}
	meta["human_joined"] = strconv.FormatBool(stats.HumanJoined)
	meta["agent_joined"] = strconv.FormatBool(stats.AgentJoined)
	record.Metadata = meta
	return record, nil
}

func archivePath(r *domain.CallRecord) string {
	return fmt.Sprintf("call-records/%s/%s.json", r.StartedAt.UTC().Format("2006/01/02"), r.SessionID)
}

func finalizedEvent(r *domain.CallRecord) pubsub.CallFinalizedEvent {
	ev := pubsub.CallFinalizedEvent{
		SessionID:       r.SessionID,
		CourseID:        r.CourseID,
		AgentID:         r.AgentID,
		Status:          r.Status,
		FailureReason:   r.FailureReason,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
		HasRecording:    r.HasRecording,
	}
	if r.CallSID != nil {
		ev.CallSID = *r.CallSID
	}
	if r.StudentID != nil {
		ev.StudentID = *r.StudentID
	}
	return ev
}
