package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/platinummonkey/meter/pkg/providers"
)

// Webhook transmission headers
const (
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
)

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// VerifyWebhook checks a delivery with the verify-webhook-signature API.
// A FAILURE verdict or missing headers return providers.ErrInvalidSignature;
// any other error means the check could not be made.
func (c *Client) VerifyWebhook(ctx context.Context, header http.Header, body []byte) error {
	if c.webhookID == "" {
		return fmt.Errorf("paypal webhook id is not configured")
	}

	req := verifyRequest{
		AuthAlgo:         header.Get(HeaderAuthAlgo),
		CertURL:          header.Get(HeaderCertURL),
		TransmissionID:   header.Get(HeaderTransmissionID),
		TransmissionSig:  header.Get(HeaderTransmissionSig),
		TransmissionTime: header.Get(HeaderTransmissionTime),
		WebhookID:        c.webhookID,
		WebhookEvent:     json.RawMessage(body),
	}
	if req.TransmissionID == "" || req.TransmissionSig == "" || req.CertURL == "" {
		return fmt.Errorf("%w: missing transmission headers", providers.ErrInvalidSignature)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: body is not JSON", providers.ErrInvalidSignature)
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &out); err != nil {
		return fmt.Errorf("failed to verify webhook: %w", err)
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: verification status %q", providers.ErrInvalidSignature, out.VerificationStatus)
	}
	return nil
}
