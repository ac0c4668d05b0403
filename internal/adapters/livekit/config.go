package livekit

import (
	"errors"
	"strings"

	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"go.uber.org/zap"
)

type LiveKitConfig struct {
	ServerURL string
	APIKey    string
	APISecret string
	// SIPHost is the inbound SIP domain whose dispatch rule routes callers by room name.
	SIPHost string
	// GCSBucket, when set, receives audio egress recordings.
	GCSBucket string
	// GCSCredentials is the service account JSON handed to egress for uploads.
	GCSCredentials string
}

func NewLiveKitConfig(serverURL, apiKey, apiSecret, sipHost string) (*LiveKitConfig, error) {
	cfg := &LiveKitConfig{
		ServerURL: serverURL,
		APIKey:    apiKey,
		APISecret: apiSecret,
		SIPHost:   strings.TrimPrefix(sipHost, "sip:"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Base().Info("LiveKit configuration initialized", zap.String("server_url", serverURL), zap.String("sip_host", cfg.SIPHost))
	return cfg, nil
}

func (c *LiveKitConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("LiveKit server URL is required")
	}
	if c.APIKey == "" {
		return errors.New("LiveKit API key is required")
	}
	if c.APISecret == "" {
		return errors.New("LiveKit API secret is required")
	}
	return nil
}

func (c *LiveKitConfig) RecordingEnabled() bool {
	return c.GCSBucket != ""
}
