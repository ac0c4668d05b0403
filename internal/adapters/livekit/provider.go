package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/niva-ai/niva-voice-service/internal/adapters/provider"
	"github.com/niva-ai/niva-voice-service/internal/domain"
	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

const ProviderName = "livekit"

// Provider provisions LiveKit rooms and reads egress recordings.
type Provider struct {
	config       *LiveKitConfig
	roomClient   *lksdk.RoomServiceClient
	egressClient *lksdk.EgressClient
}

func NewProvider(config *LiveKitConfig) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LiveKit config: %w", err)
	}
	return &Provider{
		config:       config,
		roomClient:   lksdk.NewRoomServiceClient(config.ServerURL, config.APIKey, config.APISecret),
		egressClient: lksdk.NewEgressClient(config.ServerURL, config.APIKey, config.APISecret),
	}, nil
}

func (p *Provider) Name() string {
	return ProviderName
}

// CreateRoom creates the room and, when a bucket is configured, starts an audio-only
// egress into it. An egress failure is logged and does not fail provisioning.
func (p *Provider) CreateRoom(ctx context.Context, cfg provider.RoomConfig) (provider.RoomHandle, error) {
	req := &livekit.CreateRoomRequest{
		Name:            cfg.Name,
		MaxParticipants: 4,
		EmptyTimeout:    uint32((5 * time.Minute).Seconds()),
	}
	room, err := p.roomClient.CreateRoom(ctx, req)
	if err != nil {
		return provider.RoomHandle{}, classify("create_room", err)
	}

	handle := provider.RoomHandle{
		ID:        room.Sid,
		Name:      room.Name,
		URL:       p.config.ServerURL,
		CreatedAt: time.Unix(room.CreationTime, 0),
	}
	if cfg.EnableRecording && p.config.RecordingEnabled() {
		if egressID, err := p.startEgress(ctx, room.Name); err != nil {
			logger.Base().Warn("Failed to start room egress", zap.String("room", room.Name), zap.Error(err))
		} else {
			logger.Base().Info("Room egress started", zap.String("room", room.Name), zap.String("egress_id", egressID))
			handle.Recording = true
			handle.RecordingID = egressID
		}
	}
	return handle, nil
}

func (p *Provider) startEgress(ctx context.Context, roomName string) (string, error) {
	req := &livekit.RoomCompositeEgressRequest{
		RoomName:  roomName,
		AudioOnly: true,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_OGG,
			Filepath: fmt.Sprintf("recordings/%s.ogg", roomName),
			Output: &livekit.EncodedFileOutput_Gcp{
				Gcp: &livekit.GCPUpload{
					Bucket:      p.config.GCSBucket,
					Credentials: p.config.GCSCredentials,
				},
			},
		}},
	}
	info, err := p.egressClient.StartRoomCompositeEgress(ctx, req)
	if err != nil {
		return "", err
	}
	return info.EgressId, nil
}

func (p *Provider) CreateToken(ctx context.Context, req provider.TokenRequest) (string, error) {
	canPublish := true
	canSubscribe := true
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         req.RoomName,
		RoomAdmin:    req.Owner,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	validFor := 2 * time.Hour
	if !req.ExpiresAt.IsZero() {
		validFor = time.Until(req.ExpiresAt)
	}

	token, err := auth.NewAccessToken(p.config.APIKey, p.config.APISecret).
		SetVideoGrant(grant).
		SetIdentity(req.Identity).
		SetName(req.Identity).
		SetValidFor(validFor).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}
	return token, nil
}

// CreateSIPEndpoint returns the dial-in URI for the room. The LiveKit SIP dispatch
// rule for SIPHost maps the user part to a room, so no API call is needed.
func (p *Provider) CreateSIPEndpoint(ctx context.Context, room provider.RoomHandle) (provider.SipHandle, error) {
	if p.config.SIPHost == "" {
		return provider.SipHandle{}, domain.NewProviderError("create_sip_endpoint", 400, errors.New("LIVEKIT_SIP_HOST is not configured"))
	}
	return provider.SipHandle{Endpoint: fmt.Sprintf("sip:%s@%s", room.Name, p.config.SIPHost)}, nil
}

// FetchRecording looks the egress up by id. Egresses still running are transient
// errors; failed or aborted ones are terminal.
func (p *Provider) FetchRecording(ctx context.Context, recordingID string) (provider.RecordingRef, error) {
	resp, err := p.egressClient.ListEgress(ctx, &livekit.ListEgressRequest{EgressId: recordingID})
	if err != nil {
		return provider.RecordingRef{}, classify("fetch_recording", err)
	}
	if len(resp.Items) == 0 {
		return provider.RecordingRef{}, domain.NewProviderError("fetch_recording", 404, fmt.Errorf("egress %s not found", recordingID))
	}
	return recordingFromEgress(resp.Items[0])
}

func recordingFromEgress(info *livekit.EgressInfo) (provider.RecordingRef, error) {
	switch info.Status {
	case livekit.EgressStatus_EGRESS_COMPLETE:
	case livekit.EgressStatus_EGRESS_FAILED, livekit.EgressStatus_EGRESS_ABORTED, livekit.EgressStatus_EGRESS_LIMIT_REACHED:
		return provider.RecordingRef{}, domain.NewProviderError("fetch_recording", 410,
			fmt.Errorf("egress %s ended with %s: %s", info.EgressId, info.Status, info.Error))
	default:
		return provider.RecordingRef{}, &domain.ProviderError{
			Op:        "fetch_recording",
			Transient: true,
			Err:       fmt.Errorf("egress %s is %s", info.EgressId, info.Status),
		}
	}

	ref := provider.RecordingRef{
		ID:       info.EgressId,
		RoomName: info.RoomName,
		Status:   info.Status.String(),
	}
	if len(info.FileResults) > 0 {
		file := info.FileResults[0]
		ref.Location = file.Location
		ref.Duration = time.Duration(file.Duration)
		if strings.HasPrefix(file.Location, "http") {
			ref.DownloadURL = file.Location
		}
	}
	return ref, nil
}

func (p *Provider) DeleteRoom(ctx context.Context, roomName string) error {
	if _, err := p.roomClient.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomName}); err != nil {
		pe := classify("delete_room", err)
		if pe.StatusCode == 404 {
			return nil
		}
		return pe
	}
	return nil
}

// classify maps twirp error codes carried in the error text onto HTTP-like statuses.
func classify(op string, err error) *domain.ProviderError {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.NewProviderError(op, 0, err)
	case strings.Contains(msg, "not_found"):
		return domain.NewProviderError(op, 404, err)
	case strings.Contains(msg, "invalid_argument"), strings.Contains(msg, "malformed"):
		return domain.NewProviderError(op, 400, err)
	case strings.Contains(msg, "unauthenticated"):
		return domain.NewProviderError(op, 401, err)
	case strings.Contains(msg, "permission_denied"):
		return domain.NewProviderError(op, 403, err)
	case strings.Contains(msg, "already_exists"):
		return domain.NewProviderError(op, 409, err)
	case strings.Contains(msg, "resource_exhausted"):
		return domain.NewProviderError(op, 429, err)
	default:
		return domain.NewProviderError(op, 503, err)
	}
}
