// Package transport implements the HTTP client for the sync gateway's pull
// and push endpoints, classifying failures for the replication client's retry
// policy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/giftcircle/giftcircle/backend/internal/document"
	"github.com/giftcircle/giftcircle/backend/internal/syncerr"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	errMissingBaseURL     = errors.New("transport: base url is required")
	errMissingTokenSource = errors.New("transport: token source is required")
)

// TokenSource supplies the bearer token attached to every request.
type TokenSource func() (string, error)

// ClientConfig describes the dependencies of the gateway client.
type ClientConfig struct {
	BaseURL     string
	TokenSource TokenSource
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks to the sync gateway on behalf of one authenticated session.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.TokenSource == nil {
		return nil, errMissingTokenSource
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		tokens:     cfg.TokenSource,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type pullResponsePayload struct {
	Documents  []document.Document  `json:"documents"`
	Checkpoint *document.Checkpoint `json:"checkpoint"`
}

type pushRequestPayload struct {
	Documents []document.Document `json:"documents"`
}

type pushResponsePayload struct {
	Conflicts []document.Conflict `json:"conflicts"`
}

// PullPage is one page of the access-filtered pull feed; a nil checkpoint
// means the feed is exhausted.
type PullPage struct {
	Documents  []document.Document
	Checkpoint *document.Checkpoint
}

// Pull fetches one page of a collection strictly after the checkpoint.
func (c *Client) Pull(ctx context.Context, collection document.Collection, checkpoint document.Checkpoint, limit int) (PullPage, error) {
	endpoint := fmt.Sprintf("%s/sync/pull/%s", c.baseURL, collection.Wire())
	values := url.Values{}
	values.Set("checkpoint_updated_at", strconv.FormatInt(checkpoint.UpdatedAtMilli, 10))
	values.Set("checkpoint_id", checkpoint.ID)
	values.Set("limit", strconv.Itoa(limit))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return PullPage{}, syncerr.NewProtocol(syncerr.OpPull, err)
	}

	body, err := c.do(request, syncerr.OpPull)
	if err != nil {
		return PullPage{}, err
	}

	var payload pullResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return PullPage{}, syncerr.NewProtocol(syncerr.OpPull, err)
	}
	return PullPage{Documents: payload.Documents, Checkpoint: payload.Checkpoint}, nil
}

// Push offers a batch of locally dirty documents and returns the gateway's
// conflict reports. Accepted documents are not echoed back.
func (c *Client) Push(ctx context.Context, collection document.Collection, documents []document.Document) ([]document.Conflict, error) {
	endpoint := fmt.Sprintf("%s/sync/push/%s", c.baseURL, collection.Wire())
	encoded, err := json.Marshal(pushRequestPayload{Documents: documents})
	if err != nil {
		return nil, syncerr.NewProtocol(syncerr.OpPush, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, syncerr.NewProtocol(syncerr.OpPush, err)
	}
	request.Header.Set("Content-Type", "application/json")

	body, err := c.do(request, syncerr.OpPush)
	if err != nil {
		return nil, err
	}

	var payload pushResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, syncerr.NewProtocol(syncerr.OpPush, err)
	}
	return payload.Conflicts, nil
}

func (c *Client) do(request *http.Request, op syncerr.Operation) ([]byte, error) {
	token, err := c.tokens()
	if err != nil {
		return nil, syncerr.NewAuth(op, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, syncerr.NewNetwork(op, err)
	}
	defer response.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, syncerr.NewNetwork(op, err)
	}

	switch {
	case response.StatusCode == http.StatusOK:
		return body, nil
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		c.logger.Warn("gateway rejected credentials",
			zap.String("operation", string(op)), zap.Int("status", response.StatusCode))
		return nil, syncerr.NewAuth(op, fmt.Errorf("gateway returned %d", response.StatusCode))
	case response.StatusCode == http.StatusRequestTimeout ||
		response.StatusCode == http.StatusTooManyRequests ||
		response.StatusCode >= http.StatusInternalServerError:
		// Timeouts, throttling and server errors are transient; a later
		// cycle retries them.
		return nil, syncerr.NewNetwork(op, fmt.Errorf("gateway returned %d", response.StatusCode))
	default:
		return nil, syncerr.NewProtocol(op, fmt.Errorf("gateway returned %d: %s", response.StatusCode, body))
	}
}
