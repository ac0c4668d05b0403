package twilio

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/niva-ai/niva-voice-service/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Dialer places outbound PSTN calls that bridge into a room SIP endpoint.
type Dialer struct {
	client     *twilio.RestClient
	fromNumber string
	enabled    bool
}

// NewDialer returns a disabled dialer when credentials are missing.
func NewDialer(accountSID, authToken, fromNumber string) *Dialer {
	if accountSID == "" || authToken == "" || fromNumber == "" {
		logger.Base().Warn("Twilio credentials not provided, outbound dialing disabled")
		return &Dialer{enabled: false}
	}
	return &Dialer{
		client:     twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		fromNumber: fromNumber,
		enabled:    true,
	}
}

func (d *Dialer) IsEnabled() bool {
	return d != nil && d.enabled
}

// Dial calls phoneNumber and connects the answered leg to sipEndpoint. It returns the call SID.
func (d *Dialer) Dial(ctx context.Context, phoneNumber, sipEndpoint string) (string, error) {
	if !d.IsEnabled() {
		return "", fmt.Errorf("twilio dialer is disabled")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	twiml, err := BridgeTwiML(sipEndpoint)
	if err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(phoneNumber)
	params.SetFrom(d.fromNumber)
	params.SetTwiml(twiml)

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create twilio call: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio returned a call without sid")
	}

	logger.Base().Info("Outbound call placed", zap.String("call_sid", *resp.Sid), zap.String("sip_endpoint", sipEndpoint))
	return *resp.Sid, nil
}

// Hangup completes an in-progress call. Calls that already finished are not an error.
func (d *Dialer) Hangup(ctx context.Context, callSID string) error {
	if !d.IsEnabled() || callSID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := d.client.Api.UpdateCall(callSID, params); err != nil {
		if strings.Contains(err.Error(), "not in-progress") {
			return nil
		}
		return fmt.Errorf("failed to hang up twilio call %s: %w", callSID, err)
	}
	return nil
}

type twimlSip struct {
	XMLName xml.Name `xml:"Sip"`
	URI     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Sip     twimlSip
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Dial    twimlDial
}

// BridgeTwiML renders the TwiML document that dials sipEndpoint.
func BridgeTwiML(sipEndpoint string) (string, error) {
	if sipEndpoint == "" {
		return "", fmt.Errorf("sip endpoint is required")
	}
	uri := sipEndpoint
	if !strings.HasPrefix(uri, "sip:") {
		uri = "sip:" + uri
	}
	out, err := xml.Marshal(twimlResponse{Dial: twimlDial{Sip: twimlSip{URI: uri}}})
	if err != nil {
		return "", fmt.Errorf("failed to render twiml: %w", err)
	}
	return string(out), nil
}
