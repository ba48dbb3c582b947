// Package origin talks to the application server: it negotiates write
// grants and confirms finished transfers. Both calls are authenticated with
// a Credential passed in by the caller; nothing is read from ambient state.
package origin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/gostones/fundupload/internal/config"
	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/types"
)

// Credential is an opaque bearer token issued by the auth collaborator.
type Credential string

// Client is the REST client shared by the Negotiator and the Handshake.
type Client struct {
	c   *resty.Client
	cfg config.OriginConfig
	log zerolog.Logger
}

// NewClient creates a client for the origin server at cfg.BaseURL.
func NewClient(cfg config.OriginConfig, log zerolog.Logger) *Client {
	if cfg.GrantPath == "" {
		cfg.GrantPath = "/uploads/grant"
	}
	if cfg.ConfirmPath == "" {
		cfg.ConfirmPath = "/uploads/confirm"
	}
	return &Client{
		c: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetHeader("Accept", "application/json"),
		cfg: cfg,
		log: logging.Component(log, "origin"),
	}
}

// post sends body to path with an explicit deadline and decodes a 2xx reply
// into result. The returned response is nil only on transport failure.
func (r *Client) post(ctx context.Context, cred Credential, path string, timeout time.Duration, body, result interface{}) (*resty.Response, *types.ErrorResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var failure types.ErrorResponse
	resp, err := r.c.R().
		SetContext(ctx).
		SetAuthToken(string(cred)).
		SetBody(body).
		SetResult(result).
		SetError(&failure).
		Post(path)
	if err != nil {
		return nil, nil, err
	}
	return resp, &failure, nil
}

func failureMessage(resp *resty.Response, failure *types.ErrorResponse) string {
	if failure != nil && failure.Message != "" {
		return failure.Message
	}
	if s := strings.TrimSpace(resp.String()); s != "" && len(s) < 256 {
		return s
	}
	return http.StatusText(resp.StatusCode())
}
