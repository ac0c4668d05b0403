package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/niva-ai/niva-voice-service/internal/core/event"
	"github.com/niva-ai/niva-voice-service/internal/core/statemachine"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type RegistrySuite struct {
	suite.Suite
	bus *event.DefaultEventBus
	reg *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.bus = event.NewEventBus()
	s.reg = NewRegistry(s.bus)
}

func (s *RegistrySuite) TearDownTest() {
	_ = s.bus.Close()
}

func newSession(id string) domain.CallSession {
	return domain.CallSession{
		SessionID: id,
		CourseID:  "C1",
		AgentID:   "A1",
		State:     domain.StateRoomProvisioned,
		Metadata:  domain.Metadata{domain.MetaRoomName: "room-" + id},
	}
}

func (s *RegistrySuite) TestRegisterGetRemove() {
	s.Require().NoError(s.reg.Register(newSession("s1")))

	got, err := s.reg.Get("s1")
	s.Require().NoError(err)
	s.Equal("C1", got.CourseID)
	s.False(got.CreatedAt.IsZero())

	err = s.reg.Register(newSession("s1"))
	s.True(errors.Is(err, ErrAlreadyRegistered))

	s.Require().NoError(s.reg.Remove("s1"))
	_, err = s.reg.Get("s1")
	s.True(domain.IsNotFound(err))
	s.True(domain.IsNotFound(s.reg.Remove("s1")))
	s.True(domain.IsNotFound(s.reg.Update("s1", func(*domain.CallSession) error { return nil })))
}

func (s *RegistrySuite) TestSnapshotsAreIsolated() {
	s.Require().NoError(s.reg.Register(newSession("s1")))

	snap, err := s.reg.Get("s1")
	s.Require().NoError(err)
	snap.Metadata[domain.MetaRoomName] = "tampered"
	snap.CourseID = "other"

	again, err := s.reg.Get("s1")
	s.Require().NoError(err)
	s.Equal("room-s1", again.RoomName())
	s.Equal("C1", again.CourseID)
}

func (s *RegistrySuite) TestUpdateRollsBackOnError() {
	s.Require().NoError(s.reg.Register(newSession("s1")))

	err := s.reg.Update("s1", func(cs *domain.CallSession) error {
		cs.CallSID = "CA1"
		return errors.New("nope")
	})
	s.Error(err)

	got, _ := s.reg.Get("s1")
	s.Empty(got.CallSID)
}

func (s *RegistrySuite) TestUpdateCannotChangeState() {
	s.Require().NoError(s.reg.Register(newSession("s1")))
	s.Require().NoError(s.reg.Update("s1", func(cs *domain.CallSession) error {
		cs.State = domain.StateActive
		return nil
	}))
	got, _ := s.reg.Get("s1")
	s.Equal(domain.StateRoomProvisioned, got.State)
}

func (s *RegistrySuite) TestConcurrentUpdatesSameSessionSerialize() {
	s.Require().NoError(s.reg.Register(newSession("s1")))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.reg.Update("s1", func(cs *domain.CallSession) error {
				count := 0
				fmt.Sscanf(cs.Meta("count"), "%d", &count)
				cs.SetMeta("count", fmt.Sprintf("%d", count+1))
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.reg.Get("s1")
	s.Equal(fmt.Sprintf("%d", n), got.Meta("count"))
}

func (s *RegistrySuite) TestConcurrentRegistrationsDistinctIDs() {
	const n = 300
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.NoError(s.reg.Register(newSession(fmt.Sprintf("s-%d", i))))
			_ = s.reg.ListActive()
		}(i)
	}
	wg.Wait()

	list := s.reg.ListActive()
	s.Len(list, n)
	seen := map[string]bool{}
	for _, cs := range list {
		s.False(seen[cs.SessionID])
		seen[cs.SessionID] = true
	}
}

func (s *RegistrySuite) TestSlowMutatorDoesNotBlockOtherSessions() {
	s.Require().NoError(s.reg.Register(newSession("slow")))
	s.Require().NoError(s.reg.Register(newSession("fast")))

	release := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = s.reg.Update("slow", func(*domain.CallSession) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		done <- s.reg.Update("fast", func(cs *domain.CallSession) error {
			cs.CallSID = "CA2"
			return nil
		})
	}()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("update of another session was blocked")
	}
	s.Len(s.reg.ListActive(), 2)
	close(release)
}

func (s *RegistrySuite) TestTransitionPublishesStateChange() {
	changes := make(chan event.StateChange, 4)
	s.Require().NoError(s.bus.Subscribe(event.CallStateChanged, func(e *event.CallEvent) {
		sc, ok := e.StateChange()
		if ok {
			changes <- sc
		}
	}))
	s.Require().NoError(s.reg.Register(newSession("s1")))

	res, err := s.reg.Transition("s1", statemachine.AgentStartRequested, "", func(cs *domain.CallSession) {
		cs.SetMeta(domain.MetaAgentIdentity, "agent-s1")
	})
	s.Require().NoError(err)
	s.True(res.Changed())

	select {
	case sc := <-changes:
		s.Equal(domain.StateRoomProvisioned, sc.From)
		s.Equal(domain.StateAgentJoining, sc.To)
		s.Equal("agent-s1", sc.Session.AgentIdentity())
	case <-time.After(time.Second):
		s.Fail("no state change published")
	}

	res, err = s.reg.Transition("s1", statemachine.AgentStartRequested, "", nil)
	s.Require().NoError(err)
	s.Equal(statemachine.Stale, res.Outcome)
	s.bus.Wait()
	s.Len(changes, 0)
}

func (s *RegistrySuite) TestFind() {
	s.Require().NoError(s.reg.Register(newSession("s1")))
	s.Require().NoError(s.reg.Register(newSession("s2")))

	id, ok := s.reg.Find(func(cs *domain.CallSession) bool { return cs.RoomName() == "room-s2" })
	s.True(ok)
	s.Equal("s2", id)

	_, ok = s.reg.Find(func(cs *domain.CallSession) bool { return cs.RoomName() == "nope" })
	s.False(ok)
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func TestRegistryWithoutBus(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(newSession("s1")))
	res, err := reg.Transition("s1", statemachine.Fail, "agent_start_error", nil)
	require.NoError(t, err)
	assert.True(t, res.Changed())

	got, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, "agent_start_error", got.FailureReason)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, 1, reg.Len())
}
