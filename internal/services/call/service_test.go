package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/adapters/agentruntime"
	"github.com/niva-ai/niva-voice-service/internal/adapters/daily"
	"github.com/niva-ai/niva-voice-service/internal/adapters/provider/providertest"
	"github.com/niva-ai/niva-voice-service/internal/config"
	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/session"
	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/internal/repository"
	"github.com/niva-ai/niva-voice-service/internal/services/postcall"
	"github.com/niva-ai/niva-voice-service/internal/services/webhook"
	"github.com/niva-ai/niva-voice-service/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeRuntime struct {
	mu       sync.Mutex
	started  []agentruntime.StartRequest
	stopped  []string
	startErr error
	// hang makes Stop block until its context ends.
	hang bool
}

func (f *fakeRuntime) Start(ctx context.Context, req agentruntime.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, req)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	hang := f.hang
	f.stopped = append(f.stopped, sessionID)
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRuntime) startRequests() []agentruntime.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentruntime.StartRequest(nil), f.started...)
}

type fakeDialer struct {
	mu      sync.Mutex
	dialed  []string
	hungUp  []string
	dialErr error
}

func (d *fakeDialer) IsEnabled() bool { return true }

func (d *fakeDialer) Dial(ctx context.Context, phoneNumber, sipEndpoint string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return "", d.dialErr
	}
	d.dialed = append(d.dialed, phoneNumber)
	return fmt.Sprintf("CA%03d", len(d.dialed)), nil
}

func (d *fakeDialer) Hangup(ctx context.Context, callSID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hungUp = append(d.hungUp, callSID)
	return nil
}

type OrchestratorSuite struct {
	suite.Suite
	ctx      context.Context
	cfg      config.OrchestratorConfig
	bus      *event.DefaultEventBus
	reg      *session.Registry
	store    *repository.MemoryStore
	provider *providertest.Fake
	runtime  *fakeRuntime
	svc      *Service
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = config.OrchestratorConfig{
		ProvisionTimeout:  time.Second,
		AgentStartTimeout: time.Second,
		StopGracePeriod:   50 * time.Millisecond,
		AgentJoinTimeout:  time.Minute,
		MaxCallDuration:   time.Hour,
		RoomExpiry:        time.Hour,
		SweepInterval:     time.Second,
		RoomPrefix:        "niva",
		EnableRecording:   true,
	}
	s.bus = event.NewEventBus()
	s.reg = session.NewRegistry(s.bus)
	s.store = repository.NewMemoryStore()
	s.store.AddCourse(domain.Course{ID: "C1", Name: "Algebra", IsActive: true})
	s.store.AddCourse(domain.Course{ID: "C2", Name: "Biology", IsActive: true})
	s.store.AddAgent(domain.Agent{ID: "A1", Name: "Tutor", IsActive: true})
	s.store.AddAgent(domain.Agent{ID: "A2", Name: "Coach", IsActive: true})
	s.store.LinkAgent("A1", "C1")
	s.store.LinkAgent("A2", "C2")
	s.provider = &providertest.Fake{Recording: true}
	s.runtime = &fakeRuntime{}
	s.svc = s.newService(nil, nil)
}

func (s *OrchestratorSuite) TearDownTest() {
	_ = s.bus.Close()
}

func (s *OrchestratorSuite) newService(dialer Dialer, presence *session.Presence) *Service {
	svc := NewService(s.cfg, Deps{
		Provider: s.provider,
		Registry: s.reg,
		Catalog:  s.store,
		Records:  s.store,
		Runtime:  s.runtime,
		Dialer:   dialer,
		Presence: presence,
	})
	s.Require().NoError(svc.Attach(s.bus))
	return svc
}

func (s *OrchestratorSuite) state(id string) domain.CallState {
	got, err := s.reg.Get(id)
	s.Require().NoError(err)
	return got.State
}

func (s *OrchestratorSuite) TestStartCallProvisionsAndStartsAgent() {
	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	s.Require().NoError(err)

	s.NotEmpty(resp.SessionID)
	s.Equal("https://rooms.test/niva-"+resp.SessionID, resp.RoomURL)
	s.Equal("token-caller-"+resp.SessionID, resp.RoomToken)
	s.Equal("sip:niva-"+resp.SessionID+"@sip.test", resp.SIPEndpoint)

	got, err := s.svc.GetStatus(resp.SessionID)
	s.Require().NoError(err)
	s.Equal(domain.StateAgentJoining, got.State)
	s.Equal("niva-"+resp.SessionID, got.RoomName())
	s.Equal("agent-"+resp.SessionID, got.AgentIdentity())
	s.Equal("true", got.Meta(domain.MetaRecordingExpected))
	s.Equal(string(domain.DirectionInbound), got.Meta(domain.MetaDirection))

	started := s.runtime.startRequests()
	s.Require().Len(started, 1)
	s.Equal("token-agent-"+resp.SessionID, started[0].Token)
	s.Equal("A1", started[0].AgentID)

	rec, err := s.store.GetBySessionID(s.ctx, resp.SessionID)
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal(domain.CallStatusInProgress, rec.Status)
}

func (s *OrchestratorSuite) TestStartCallUsesDefaultAgent() {
	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C2"})
	s.Require().NoError(err)

	got, err := s.svc.GetStatus(resp.SessionID)
	s.Require().NoError(err)
	s.Equal("A2", got.AgentID)
}

func (s *OrchestratorSuite) TestStartCallRejectsBeforeSideEffects() {
	_, err := s.svc.StartCall(s.ctx, StartCallRequest{})
	s.True(domain.IsValidation(err))

	_, err = s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A2"})
	s.True(domain.IsValidation(err))

	_, err = s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "missing"})
	s.True(domain.IsNotFound(err))

	_, err = s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", PhoneNumber: "call me"})
	s.True(domain.IsValidation(err))

	s.Equal(0, s.provider.Rooms())
	s.Empty(s.svc.ListActive())
}

func (s *OrchestratorSuite) TestProvisionTimeoutLeavesNoSession() {
	s.cfg.ProvisionTimeout = 20 * time.Millisecond
	s.svc = s.newService(nil, nil)
	s.provider.CreateRoomDelay = time.Second

	_, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	s.Require().Error(err)
	pe, ok := domain.AsProviderError(err)
	s.Require().True(ok)
	s.True(pe.Timeout())

	s.Empty(s.svc.ListActive())
	s.Equal(0, s.store.RecordCount())
	s.Empty(s.runtime.startRequests())
}

func (s *OrchestratorSuite) TestSIPFailureDeletesRoom() {
	s.provider.SIPErr = domain.NewProviderError("create_sip_endpoint", 500, errors.New("sip down"))

	_, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	_, ok := domain.AsProviderError(err)
	s.Require().True(ok)

	s.Equal(0, s.provider.Rooms())
	s.Len(s.provider.Deleted(), 1)
	s.Equal(0, s.reg.Len())
}

func (s *OrchestratorSuite) TestAgentStartFailureMarksSessionFailed() {
	s.runtime.startErr = &agentruntime.Error{Op: "start", StatusCode: 500, Body: "boom"}

	_, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	var oe *domain.OrchestrationError
	s.Require().ErrorAs(err, &oe)
	s.Equal("agent_start", oe.Stage)

	got, err := s.svc.GetStatus(oe.SessionID)
	s.Require().NoError(err)
	s.Equal(domain.StateFailed, got.State)
	s.Equal("agent_start_error", got.FailureReason)
	s.NotNil(got.EndedAt)
}

func (s *OrchestratorSuite) TestOutboundCallDialsPhone() {
	dialer := &fakeDialer{}
	s.svc = s.newService(dialer, nil)

	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1", PhoneNumber: "+1 (555) 010-0200"})
	s.Require().NoError(err)

	got, err := s.svc.GetStatus(resp.SessionID)
	s.Require().NoError(err)
	s.Equal("CA001", got.CallSID)
	s.Equal(string(domain.DirectionOutbound), got.Meta(domain.MetaDirection))

	_, err = s.svc.StopCall(s.ctx, resp.SessionID)
	s.Require().NoError(err)
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	s.Equal([]string{"CA001"}, dialer.hungUp)
}

func (s *OrchestratorSuite) TestConcurrentStartsRegisterEachSessionOnce() {
	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
			if err == nil {
				ids <- resp.SessionID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		s.False(seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	s.Len(seen, n)
	s.Equal(n, s.reg.Len())
	s.Len(s.svc.ListActive(), n)
}

func (s *OrchestratorSuite) TestStopWithUnresponsiveRuntimeEndsWithinGrace() {
	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	s.Require().NoError(err)
	_, err = s.reg.Transition(resp.SessionID, statemachine.AgentJoined, "", nil)
	s.Require().NoError(err)

	s.runtime.mu.Lock()
	s.runtime.hang = true
	s.runtime.mu.Unlock()

	began := time.Now()
	out, err := s.svc.StopCall(s.ctx, resp.SessionID)
	s.Require().NoError(err)
	s.Less(time.Since(began), s.cfg.StopGracePeriod+time.Second)

	s.True(out.Stopped)
	s.Equal(domain.StateEnded, out.State)
	s.Equal(domain.StateEnded, s.state(resp.SessionID))
}

func (s *OrchestratorSuite) TestStopIsRepeatable() {
	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	s.Require().NoError(err)

	first, err := s.svc.StopCall(s.ctx, resp.SessionID)
	s.Require().NoError(err)
	second, err := s.svc.StopCall(s.ctx, resp.SessionID)
	s.Require().NoError(err)

	s.True(first.Stopped)
	s.True(second.Stopped)
	s.Equal(domain.StateEnded, s.state(resp.SessionID))
}

func (s *OrchestratorSuite) TestStopUnknownSession() {
	_, err := s.svc.StopCall(s.ctx, "nope")
	s.True(domain.IsNotFound(err))
}

func (s *OrchestratorSuite) TestStopForwardedToOwningInstance() {
	shared := redis.NewMemoryService()
	local := session.NewPresence(shared, "instance-a")
	owner := session.NewPresence(shared, "instance-b")
	s.Require().NoError(owner.Register(s.ctx, session.SessionInfo{SessionID: "remote-1", CourseID: "C1"}))

	var mu sync.Mutex
	var received []string
	s.Require().NoError(owner.SubscribeToStop(s.ctx, func(id string) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, id)
	}))

	s.svc = s.newService(nil, local)
	out, err := s.svc.StopCall(s.ctx, "remote-1")
	s.Require().NoError(err)
	s.True(out.Forwarded)

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "remote-1"
	}, time.Second, 5*time.Millisecond)
}

func (s *OrchestratorSuite) TestSweepFailsSessionsWhoseAgentNeverJoined() {
	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	s.Require().NoError(err)

	s.svc.now = func() time.Time { return time.Now().Add(s.cfg.AgentJoinTimeout + time.Second) }
	res := s.svc.Sweep(s.ctx)

	s.Equal(1, res.JoinTimeouts)
	got, err := s.svc.GetStatus(resp.SessionID)
	s.Require().NoError(err)
	s.Equal(domain.StateFailed, got.State)
	s.Equal("agent_join_timeout", got.FailureReason)
}

func (s *OrchestratorSuite) TestSweepStopsCallsPastMaxDuration() {
	resp, err := s.svc.StartCall(s.ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	s.Require().NoError(err)
	_, err = s.reg.Transition(resp.SessionID, statemachine.AgentJoined, "", nil)
	s.Require().NoError(err)

	s.svc.now = func() time.Time { return time.Now().Add(s.cfg.MaxCallDuration + time.Second) }
	res := s.svc.Sweep(s.ctx)
	s.Equal(1, res.MaxDuration)

	s.Eventually(func() bool {
		return s.state(resp.SessionID) == domain.StateEnded
	}, time.Second, 5*time.Millisecond)
}

func (s *OrchestratorSuite) TestSweepGraceRunsFromEnteringEnding() {
	endingAt := func(ago time.Duration) domain.Metadata {
		return domain.Metadata{domain.MetaEndingAt: time.Now().Add(-ago).UTC().Format(time.RFC3339Nano)}
	}
	// Both were just touched by late webhooks; only one has been ENDING past the grace period.
	s.Require().NoError(s.reg.Register(domain.CallSession{SessionID: "overdue", State: domain.StateEnding, Metadata: endingAt(time.Minute)}))
	s.Require().NoError(s.reg.Register(domain.CallSession{SessionID: "fresh", State: domain.StateEnding, Metadata: endingAt(0)}))

	res := s.svc.Sweep(s.ctx)
	s.Equal(1, res.ForcedEnds)
	s.Equal(domain.StateEnded, s.state("overdue"))
	s.Equal(domain.StateEnding, s.state("fresh"))
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func dailyEvent(eventType, room, participantID, name string) []byte {
	return []byte(fmt.Sprintf(`{"id":"%s","type":"%s","event_ts":1700000000,"data":{"room":{"name":"%s"},"participant":{"id":"%s","user_name":"%s"}}}`,
		participantID+eventType, eventType, room, participantID, name))
}

func dailyRecording(room, recordingID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"recording.ready-to-download","data":{"room":{"name":"%s"},"recording":{"id":"%s","download_link":"https://r/%s","duration":42}}}`,
		room, recordingID, recordingID))
}

// A full call: start, agent joins, human joins and leaves, recording arrives, one
// record is persisted and the session is released.
func TestCallLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	bus := event.NewEventBus()
	defer bus.Close()
	reg := session.NewRegistry(bus)
	store := repository.NewMemoryStore()
	store.AddCourse(domain.Course{ID: "C1", Name: "Algebra", IsActive: true})
	store.AddAgent(domain.Agent{ID: "A1", Name: "Tutor", IsActive: true})
	store.LinkAgent("A1", "C1")
	fake := &providertest.Fake{Recording: true}
	runtime := &fakeRuntime{}

	cfg := config.DefaultOrchestratorConfig
	cfg.StopGracePeriod = 100 * time.Millisecond
	svc := NewService(cfg, Deps{
		Provider: fake,
		Registry: reg,
		Catalog:  store,
		Records:  store,
		Runtime:  runtime,
	})
	require.NoError(t, svc.Attach(bus))

	proc := webhook.NewProcessor(reg, webhook.NewWindow(redis.NewMemoryService(), time.Minute), bus)
	proc.RegisterParser(daily.ProviderName, daily.ParseWebhook)

	pipeline := postcall.New(config.PostCallConfig{
		MaxAttempts:   3,
		BaseBackoff:   5 * time.Millisecond,
		MaxBackoff:    20 * time.Millisecond,
		Workers:       2,
		PollInterval:  5 * time.Millisecond,
		RecordingWait: time.Minute,
		JobTimeout:    time.Second,
	}, postcall.Deps{
		Jobs:     store.Jobs(),
		Records:  store,
		Students: store,
		Provider: fake,
		Registry: reg,
	})
	require.NoError(t, pipeline.Attach(bus))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pipeline.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	resp, err := svc.StartCall(ctx, StartCallRequest{CourseID: "C1", AgentID: "A1"})
	require.NoError(t, err)
	id := resp.SessionID
	room := "niva-" + id

	stateOf := func() domain.CallState {
		got, err := reg.Get(id)
		if err != nil {
			return ""
		}
		return got.State
	}

	_, err = proc.Process(ctx, daily.ProviderName, dailyEvent("participant.joined", room, "p-agent", "agent-"+id))
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stateOf())

	_, err = proc.Process(ctx, daily.ProviderName, dailyEvent("participant.joined", room, "p-human", "caller-"+id))
	require.NoError(t, err)
	_, err = proc.Process(ctx, daily.ProviderName, dailyEvent("participant.left", room, "p-human", "caller-"+id))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s := stateOf()
		return s == domain.StateEnded || s == ""
	}, time.Second, 5*time.Millisecond)

	_, err = proc.Process(ctx, daily.ProviderName, dailyRecording(room, "rec-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, err := store.GetBySessionID(ctx, id)
		return err == nil && rec != nil && rec.Status == domain.CallStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := store.GetBySessionID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, store.RecordCount())
	assert.NotNil(t, rec.EndedAt)
	assert.True(t, rec.HasRecording)
	assert.Equal(t, "rec-1", rec.RecordingID)
	assert.Equal(t, "https://recordings.test/rec-1", rec.RecordingURL)

	assert.Eventually(t, func() bool {
		return reg.Len() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, fake.Deleted(), room)
}
