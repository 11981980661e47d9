// Package meta is the Graph API adapter shared by the Facebook Messenger and
// Instagram platforms. Each platform gets its own Client.
package meta

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatengine/internal/constants"
	apperrors "chatengine/internal/errors"
	"chatengine/internal/metrics"
	"chatengine/internal/models"
	"chatengine/internal/privacy"
	"chatengine/pkg/circuitbreaker"
	mediastore "chatengine/pkg/media"
	"chatengine/pkg/provider"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Hosts the Graph API serves attachment downloads from.
var cdnHosts = []string{"fbcdn.net", "fbsbx.com", "cdninstagram.com", "facebook.com"}

// Client implements provider.Adapter and provider.WebhookParser for one
// Meta platform. The session's credentials hold its page access token.
type Client struct {
	platform      models.Platform
	version       string
	http          *resty.Client
	breaker       *circuitbreaker.CircuitBreaker
	allowedHosts  []string
	maxMediaBytes int64
	logger        *logrus.Logger
}

var (
	_ provider.Adapter       = (*Client)(nil)
	_ provider.WebhookParser = (*Client)(nil)
)

func NewClient(platform models.Platform, cfg models.MetaConfig, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	baseURL := strings.TrimRight(cfg.GraphBaseURL, "/")
	if baseURL == "" {
		baseURL = constants.DefaultGraphBaseURL
	}
	version := cfg.APIVersion
	if version == "" {
		version = constants.DefaultGraphVersion
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = constants.DefaultGraphTimeoutMs * time.Millisecond
	}

	allowed := append([]string{baseURL}, cdnHosts...)
	return &Client{
		platform: platform,
		version:  version,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        string(platform),
			MaxFailures: constants.DefaultBreakerMaxFailures,
			Timeout:     constants.DefaultBreakerTimeoutSec * time.Second,
			IsFailure:   func(err error) bool { return !apperrors.IsPermanent(err) },
			OnStateChange: func(name string, _, to circuitbreaker.State) {
				metrics.SetGauge("circuit_breaker_state", float64(to), map[string]string{"name": name},
					"Provider circuit breaker state (0 closed, 1 open, 2 half-open)")
			},
			Logger: logger,
		}),
		allowedHosts:  allowed,
		maxMediaBytes: constants.DefaultMaxVideoSizeMB * constants.BytesPerMegabyte,
		logger:        logger,
	}
}

func (c *Client) Platform() models.Platform { return c.platform }

// Connect validates the page access token. Graph pages need no pairing, so a
// valid token connects immediately.
func (c *Client) Connect(ctx context.Context, session *models.Session) (*provider.ConnectResult, error) {
	profile, err := c.profile(ctx, session)
	if err != nil {
		return nil, err
	}
	return &provider.ConnectResult{Connected: true, Identity: profile.ID}, nil
}

// Disconnect has nothing to tear down on the Graph side.
func (c *Client) Disconnect(context.Context, *models.Session) error { return nil }

func (c *Client) SendMessage(ctx context.Context, session *models.Session, to string, payload models.Payload) (*provider.SendResult, error) {
	if strings.TrimSpace(to) == "" {
		return nil, apperrors.NewSendRejectedError(string(c.platform), "recipient id is required")
	}

	req := sendRequest{Recipient: recipient{ID: to}, MessagingType: "RESPONSE"}
	switch payload.Type {
	case models.MessageTypeText, "":
		if strings.TrimSpace(payload.Text) == "" {
			return nil, apperrors.NewSendRejectedError(string(c.platform), "text message has no body")
		}
		req.Message.Text = payload.Text
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeFile:
		if payload.MediaURL == "" {
			return nil, apperrors.NewSendRejectedError(string(c.platform), fmt.Sprintf("%s message has no media URL", payload.Type))
		}
		// Graph attachments carry no caption.
		req.Message.Attachment = &attachment{
			Type:    string(payload.Type),
			Payload: attachmentPayload{URL: payload.MediaURL, IsReusable: true},
		}
	default:
		return nil, apperrors.NewSendRejectedError(string(c.platform), fmt.Sprintf("unsupported message type %q", payload.Type))
	}

	var resp sendResponse
	endpoint := "/" + c.version + "/me/messages"
	if err := c.call(ctx, session, http.MethodPost, endpoint, nil, req, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"platform":   c.platform,
		"recipient":  privacy.MaskExternalID(to),
		"message_id": privacy.MaskExternalID(resp.MessageID),
	}).Debug("Message accepted by Graph API")
	return &provider.SendResult{MessageID: resp.MessageID}, nil
}

func (c *Client) DownloadMedia(ctx context.Context, session *models.Session, ref provider.MediaRef) (*provider.Media, error) {
	if ref.URL == "" {
		return nil, nil
	}
	if err := mediastore.ValidateDownloadURL(ref.URL, c.allowedHosts...); err != nil {
		return nil, apperrors.NewMediaError("validate", ref.MimeType, err)
	}
	data, contentType, err := mediastore.Fetch(ctx, c.http.GetClient(), ref.URL, nil, c.maxMediaBytes)
	if err != nil {
		return nil, apperrors.NewMediaError("download", ref.MimeType, err)
	}
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = contentType
	}
	return &provider.Media{Data: data, MimeType: mimeType, FileName: ref.FileName}, nil
}

// FetchConnectionState reports connected while the token still resolves to
// its page. A revoked token moves the session to error.
func (c *Client) FetchConnectionState(ctx context.Context, session *models.Session) (models.SessionStatus, error) {
	if session.Credentials == "" {
		return models.SessionStatusDisconnected, nil
	}
	if _, err := c.profile(ctx, session); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAuthentication) {
			return models.SessionStatusError, nil
		}
		return "", err
	}
	return models.SessionStatusConnected, nil
}

// BreakerStats exposes the Graph API circuit breaker for health reporting.
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.Stats()
}

func (c *Client) profile(ctx context.Context, session *models.Session) (*profileResponse, error) {
	var profile profileResponse
	endpoint := "/" + c.version + "/me"
	if err := c.call(ctx, session, http.MethodGet, endpoint, url.Values{"fields": {"id,name"}}, nil, &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, apperrors.New(apperrors.ErrCodeProviderAPI, "Graph API returned no page id").
			WithContext("provider", string(c.platform))
	}
	return &profile, nil
}

// call runs one Graph request through the circuit breaker and classifies
// failures.
func (c *Client) call(ctx context.Context, session *models.Session, method, endpoint string, query url.Values, body, out interface{}) error {
	token := session.Credentials
	if token == "" {
		return apperrors.NewAuthError("page access token is not configured").
			WithContext("provider", string(c.platform))
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var gerr graphError
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("access_token", token).
			SetError(&gerr)
		if query != nil {
			req.SetQueryParamsFromValues(query)
		}
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, endpoint)
		if err != nil {
			return apperrors.NewTransportError(string(c.platform), endpoint, err)
		}
		if resp.IsError() {
			return c.classify(endpoint, resp.StatusCode(), gerr)
		}
		return nil
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		return apperrors.NewTransportError(string(c.platform), endpoint, err)
	}
	return err
}

func (c *Client) classify(endpoint string, status int, gerr graphError) error {
	cause := fmt.Errorf("status %d: %s (code %d)", status, gerr.Error.Message, gerr.Error.Code)
	switch gerr.Error.Code {
	case graphCodeAccessToken:
		return apperrors.Wrap(cause, apperrors.ErrCodeAuthentication, "page access token rejected").
			WithContext("provider", string(c.platform)).
			WithUserMessage("Authentication failed")
	case graphCodeTooManyCalls, graphCodeUserTooMany, graphCodeRateLimit, graphCodeThrottled, graphCodeTemporaryIssue:
		// Throttling arrives as 400 but clears on its own.
		return apperrors.NewTransportError(string(c.platform), endpoint, cause).
			WithContext("status_code", status)
	}
	return apperrors.NewAPIError(string(c.platform), endpoint, status, cause)
}
