package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saegimlab/saegim-server/pkg/logger"
	"github.com/saegimlab/saegim-server/pkg/metrics"
)

const (
	defaultEndpointFormat = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

	defaultSendTimeout = 20 * time.Second
	minSendTimeout     = 10 * time.Second
	maxSendTimeout     = 30 * time.Second

	// Provider error code for a token that no longer maps to a device.
	errorCodeUnregistered = "UNREGISTERED"
)

// Config carries the provider project identity and service-account key
// material used to sign credential assertions.
type Config struct {
	ProjectID     string
	ClientEmail   string
	PrivateKeyPEM string

	// TokenURL and Endpoint override the provider defaults in tests.
	TokenURL string
	Endpoint string

	// SendTimeout bounds a single send. Values outside 10s-30s are clamped.
	SendTimeout time.Duration

	HTTPClient *http.Client
	Clock      func() time.Time
}

// Client sends push messages over the provider HTTP API. Every send resolves
// to an Outcome; transport errors never escape as Go errors to the caller.
type Client struct {
	endpoint    string
	sendTimeout time.Duration
	httpClient  *http.Client
	credentials *credentialCache
	log         *zap.Logger
}

// NewClient validates the configuration and prepares the credential cache.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, fmt.Errorf("push client: project id is required")
	}

	credentials, err := newCredentialCache(cfg.ClientEmail, cfg.PrivateKeyPEM, cfg.TokenURL, cfg.HTTPClient, cfg.Clock)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf(defaultEndpointFormat, cfg.ProjectID)
	}

	timeout := cfg.SendTimeout
	if timeout == 0 {
		timeout = defaultSendTimeout
	}
	if timeout < minSendTimeout {
		timeout = minSendTimeout
	}
	if timeout > maxSendTimeout {
		timeout = maxSendTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:    endpoint,
		sendTimeout: timeout,
		httpClient:  httpClient,
		credentials: credentials,
		log:         logger.WithModule("push"),
	}, nil
}

// EnsureCredentials forces a valid bearer credential before a fan-out so a
// systemic provider outage surfaces once instead of per token.
func (c *Client) EnsureCredentials(ctx context.Context) error {
	_, err := c.credentials.Bearer(ctx)
	return err
}

type message struct {
	Token        string            `json:"token"`
	Notification *notification     `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers one message to one device token and classifies the result.
func (c *Client) Send(ctx context.Context, token, title, body string, data map[string]string) Outcome {
	if strings.TrimSpace(token) == "" {
		return Permanent("empty token")
	}

	bearer, err := c.credentials.Bearer(ctx)
	if err != nil {
		c.log.Warn("credential refresh failed", zap.Error(err))
		outcome := Transient("credential refresh failed")
		metrics.PushSends.WithLabelValues(outcome.State.String()).Inc()
		return outcome
	}

	payload, err := json.Marshal(map[string]message{
		"message": {
			Token:        token,
			Notification: &notification{Title: title, Body: body},
			Data:         data,
		},
	})
	if err != nil {
		return Permanent("encode message: " + err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Permanent("build request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome := classifyTransportError(err)
		metrics.PushSends.WithLabelValues(outcome.State.String()).Inc()
		return outcome
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	outcome := classifyResponse(resp.StatusCode, respBody)
	if !outcome.OK() {
		c.log.Debug("send rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("state", outcome.State.String()),
			zap.String("reason", outcome.Reason))
	}
	metrics.PushSends.WithLabelValues(outcome.State.String()).Inc()
	return outcome
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout")
	}
	if errors.Is(err, context.Canceled) {
		return Transient("canceled")
	}
	return Transient("transport: " + err.Error())
}

func classifyResponse(status int, body []byte) Outcome {
	if status >= 200 && status < 300 {
		return Delivered()
	}

	code, detail := parseProviderError(body)

	switch {
	case status == http.StatusNotFound, code == errorCodeUnregistered:
		return Permanent("unregistered")
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return Transient(reasonOrStatus(code, detail, status))
	case status >= 500:
		return Transient(reasonOrStatus(code, detail, status))
	case status >= 400:
		return Permanent(reasonOrStatus(code, detail, status))
	}
	return Transient(reasonOrStatus(code, detail, status))
}

// parseProviderError extracts the structured error code and message from a
// provider response body, tolerating non-JSON bodies.
func parseProviderError(body []byte) (code, detail string) {
	var payload struct {
		Error struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Details []struct {
				ErrorCode string `json:"errorCode"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}

	code = payload.Error.Status
	for _, d := range payload.Error.Details {
		if d.ErrorCode != "" {
			code = d.ErrorCode
		}
	}
	return code, payload.Error.Message
}

func reasonOrStatus(code, detail string, status int) string {
	switch {
	case code != "" && detail != "":
		return fmt.Sprintf("%s: %s", code, detail)
	case code != "":
		return code
	case detail != "":
		return detail
	}
	return fmt.Sprintf("status %d", status)
}
