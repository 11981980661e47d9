// Package whatsapp is the WhatsApp adapter. It drives a self-hosted HTTP
// gateway (WAHA) that owns the actual WhatsApp Web connection.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatengine/internal/constants"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/media"
	"chatengine/internal/metrics"
	"chatengine/internal/models"
	"chatengine/internal/privacy"
	"chatengine/pkg/circuitbreaker"
	mediastore "chatengine/pkg/media"
	"chatengine/pkg/provider"

	"github.com/sirupsen/logrus"
)

const providerName = "whatsapp"

// Client implements provider.Adapter and provider.WebhookParser.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	breaker       *circuitbreaker.CircuitBreaker
	router        media.Router
	maxMediaBytes int64
	logger        *logrus.Logger
}

var (
	_ provider.Adapter       = (*Client)(nil)
	_ provider.WebhookParser = (*Client)(nil)
)

func NewClient(cfg models.WhatsAppConfig, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = constants.DefaultGatewayTimeoutMs * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        providerName,
			MaxFailures: constants.DefaultBreakerMaxFailures,
			Timeout:     constants.DefaultBreakerTimeoutSec * time.Second,
			IsFailure:   func(err error) bool { return !apperrors.IsPermanent(err) },
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.SetGauge("circuit_breaker_state", float64(to), map[string]string{"name": name},
					"Provider circuit breaker state (0 closed, 1 open, 2 half-open)")
			},
			Logger: logger,
		}),
		router:        media.NewRouter(models.MediaConfig{}),
		maxMediaBytes: constants.DefaultMaxVideoSizeMB * constants.BytesPerMegabyte,
		logger:        logger,
	}
}

func (c *Client) Platform() models.Platform { return models.PlatformWhatsApp }

// Connect creates and starts the gateway session, then reports whether it is
// already paired or waiting for a QR scan.
func (c *Client) Connect(ctx context.Context, session *models.Session) (*provider.ConnectResult, error) {
	name := sessionName(session)
	err := c.do(ctx, http.MethodPost, apiBase+endpointSessions, createSessionRequest{Name: name, Start: true}, nil)
	if err != nil {
		status := statusCode(err)
		if status != http.StatusConflict && status != http.StatusUnprocessableEntity {
			return nil, err
		}
		// Session exists already; make sure it is running.
		startErr := c.do(ctx, http.MethodPost, sessionPath(name, "start"), nil, nil)
		if startErr != nil && statusCode(startErr) != http.StatusUnprocessableEntity {
			return nil, startErr
		}
	}

	info, err := c.sessionInfo(ctx, name)
	if err != nil {
		return nil, err
	}

	switch info.Status {
	case models.GatewayStatusWorking:
		result := &provider.ConnectResult{Connected: true}
		if info.Me != nil {
			result.Identity = info.Me.ID
		}
		return result, nil
	case models.GatewayStatusScanQR:
		qr, err := c.qrCode(ctx, name)
		if err != nil {
			return nil, err
		}
		return &provider.ConnectResult{QRCode: qr}, nil
	case models.GatewayStatusFailed:
		return nil, apperrors.New(apperrors.ErrCodeProviderAPI, "gateway session failed to start").
			WithContext("provider", providerName).
			WithContext("gateway_session", name)
	}
	// Still starting; the session.status webhook finishes the handshake.
	return &provider.ConnectResult{}, nil
}

func (c *Client) Disconnect(ctx context.Context, session *models.Session) error {
	err := c.do(ctx, http.MethodPost, sessionPath(sessionName(session), "stop"), nil, nil)
	if statusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) SendMessage(ctx context.Context, session *models.Session, to string, payload models.Payload) (*provider.SendResult, error) {
	chatID, err := chatIDFor(to)
	if err != nil {
		return nil, err
	}
	name := sessionName(session)

	var endpoint string
	var body interface{}
	switch payload.Type {
	case models.MessageTypeText, "":
		if strings.TrimSpace(payload.Text) == "" {
			return nil, apperrors.NewSendRejectedError(providerName, "text message has no body")
		}
		endpoint = endpointSendText
		body = sendTextRequest{Session: name, ChatID: chatID, Text: payload.Text}
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeFile:
		if payload.MediaURL == "" {
			return nil, apperrors.NewSendRejectedError(providerName, fmt.Sprintf("%s message has no media URL", payload.Type))
		}
		req := sendMediaRequest{
			Session: name,
			ChatID:  chatID,
			File:    fileData{URL: payload.MediaURL, Mimetype: payload.MimeType, Filename: payload.FileName},
			Caption: payload.Caption,
		}
		switch payload.Type {
		case models.MessageTypeImage:
			endpoint = endpointSendImage
		case models.MessageTypeVideo:
			endpoint = endpointSendVideo
			req.Convert = boolPtr(true)
		case models.MessageTypeAudio:
			endpoint = endpointSendVoice
			req.Convert = boolPtr(true)
			req.Caption = ""
		default:
			endpoint = endpointSendFile
		}
		body = req
	default:
		return nil, apperrors.NewSendRejectedError(providerName, fmt.Sprintf("unsupported message type %q", payload.Type))
	}

	var resp messageResponse
	if err := c.do(ctx, http.MethodPost, apiBase+endpoint, body, &resp); err != nil {
		return nil, err
	}

	id := resp.messageID()
	c.logger.WithFields(logrus.Fields{
		"recipient":  privacy.MaskRecipient(chatID),
		"message_id": privacy.MaskExternalID(id),
		"type":       payload.Type,
	}).Debug("Message accepted by gateway")
	return &provider.SendResult{MessageID: id}, nil
}

// DownloadMedia fetches an attachment the gateway stored for an inbound message.
func (c *Client) DownloadMedia(ctx context.Context, session *models.Session, ref provider.MediaRef) (*provider.Media, error) {
	if ref.URL == "" {
		return nil, nil
	}
	mediaURL := mediastore.RewriteLoopback(ref.URL, c.baseURL)
	if err := mediastore.ValidateDownloadURL(mediaURL, c.baseURL); err != nil {
		return nil, apperrors.NewMediaError("validate", ref.MimeType, err)
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}
	data, contentType, err := mediastore.Fetch(ctx, c.httpClient, mediaURL, header, c.maxMediaBytes)
	if err != nil {
		return nil, apperrors.NewMediaError("download", ref.MimeType, err)
	}

	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = contentType
	}
	return &provider.Media{Data: data, MimeType: mimeType, FileName: ref.FileName}, nil
}

func (c *Client) FetchConnectionState(ctx context.Context, session *models.Session) (models.SessionStatus, error) {
	info, err := c.sessionInfo(ctx, sessionName(session))
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return models.SessionStatusDisconnected, nil
		}
		return "", err
	}
	return sessionStatus(info.Status), nil
}

// BreakerStats exposes the gateway circuit breaker for health reporting.
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.Stats()
}

func (c *Client) sessionInfo(ctx context.Context, name string) (*sessionInfo, error) {
	var info sessionInfo
	if err := c.do(ctx, http.MethodGet, sessionPath(name, ""), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) qrCode(ctx context.Context, name string) (string, error) {
	var qr qrResponse
	endpoint := apiBase + "/" + url.PathEscape(name) + "/auth/qr?format=raw"
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &qr); err != nil {
		return "", err
	}
	if qr.Value == "" {
		return "", apperrors.New(apperrors.ErrCodeProviderAPI, "gateway returned an empty QR code").
			WithContext("provider", providerName)
	}
	return qr.Value, nil
}

// do performs one gateway call through the circuit breaker.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to marshal request")
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperrors.NewTransportError(providerName, endpoint, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return apperrors.NewTransportError(providerName, endpoint, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var apiErr errorResponse
			_ = json.Unmarshal(respBody, &apiErr)
			detail := apiErr.String()
			if detail == "" {
				detail = http.StatusText(resp.StatusCode)
			}
			return apperrors.NewAPIError(providerName, endpoint, resp.StatusCode,
				fmt.Errorf("status %d: %s", resp.StatusCode, detail))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeProviderAPI, "failed to decode gateway response").
					WithContext("endpoint", endpoint)
			}
		}
		return nil
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		return apperrors.NewTransportError(providerName, endpoint, err)
	}
	return err
}

func statusCode(err error) int {
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Context == nil {
		return 0
	}
	code, _ := appErr.Context["status_code"].(int)
	return code
}

func sessionPath(name, action string) string {
	p := apiBase + endpointSessions + "/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

// sessionName derives the gateway session name from the tenant. The gateway
// accepts letters, digits, dash and underscore.
func sessionName(session *models.Session) string {
	var b strings.Builder
	for _, r := range session.TenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

// chatIDFor accepts a full JID or a phone number in any common notation.
func chatIDFor(to string) (string, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to, nil
	}
	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() < 5 {
		return "", apperrors.NewSendRejectedError(providerName, "recipient is not a phone number or chat id")
	}
	return digits.String() + "@c.us", nil
}

func sessionStatus(gateway string) models.SessionStatus {
	switch gateway {
	case models.GatewayStatusWorking:
		return models.SessionStatusConnected
	case models.GatewayStatusStarting, models.GatewayStatusScanQR:
		return models.SessionStatusConnecting
	case models.GatewayStatusFailed:
		return models.SessionStatusError
	default:
		return models.SessionStatusDisconnected
	}
}

func boolPtr(b bool) *bool { return &b }
