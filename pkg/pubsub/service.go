package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

type PubSubConfig struct {
	ProjectID string
	TopicName string
	// EventPrefix is prepended to the event name attribute so subscription filters can
	// separate environments ("", "beta", "stage").
	EventPrefix string
}

type PubSubService struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PubSubConfig
}

// CallFinalizedEvent is published once per finalized call record.
type CallFinalizedEvent struct {
	SessionID       string     `json:"session_id"`
	CallSID         string     `json:"call_sid,omitempty"`
	CourseID        string     `json:"course_id"`
	AgentID         string     `json:"agent_id"`
	StudentID       string     `json:"student_id,omitempty"`
	Status          string     `json:"status"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	HasRecording    bool       `json:"has_recording"`
	PublishedAt     time.Time  `json:"published_at"`
}

func NewPubSubService(ctx context.Context, cfg *PubSubConfig) (*PubSubService, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}
	if cfg.TopicName == "" {
		return nil, fmt.Errorf("PubSub topic name is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
	}

	return &PubSubService{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

func (p *PubSubService) eventName(name string) string {
	if p.config.EventPrefix == "" {
		return name
	}
	return p.config.EventPrefix + "." + name
}

// PublishCallFinalized publishes ev and waits for the server ack. The session_id
// attribute lets consumers drop redeliveries.
func (p *PubSubService) PublishCallFinalized(ctx context.Context, ev CallFinalizedEvent) error {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal call finalized event: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"name":       p.eventName("call.finalized"),
			"session_id": ev.SessionID,
			"course_id":  ev.CourseID,
		},
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish call finalized event: %w", err)
	}

	logger.Base().Info("Published call finalized event",
		zap.String("session_id", ev.SessionID),
		zap.String("message_id", id),
		zap.String("status", ev.Status))
	return nil
}

func (p *PubSubService) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
