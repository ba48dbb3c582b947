package origin

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/policy"
	"github.com/gostones/fundupload/internal/types"
)

// Confirmation is what the origin server recorded for a finished transfer.
type Confirmation struct {
	PublicURL string
	Key       string
	Metadata  map[string]interface{}
}

// Handshake reports finished transfers to the origin server.
type Handshake struct {
	*Client
}

func NewHandshake(c *Client) *Handshake {
	return &Handshake{Client: c}
}

// Confirm records key as uploaded and returns the server's canonical public
// URL. Every failure other than a missing credential or a cancelled context
// is a ConfirmationFailed: the bytes are already stored.
func (r *Handshake) Confirm(ctx context.Context, cred Credential, key string, category policy.Category, metadata map[string]string) (*Confirmation, error) {
	if cred == "" {
		return nil, apperr.Unauthenticated("no credential for confirmation")
	}

	var result types.ConfirmResponse
	resp, failure, err := r.post(ctx, cred, r.cfg.ConfirmPath, r.cfg.ConfirmTimeout, &types.ConfirmRequest{
		Key:      key,
		FileType: string(category),
		Metadata: metadata,
	}, &result)
	if err != nil {
		te := apperr.FromTransport(ctx, "confirmation", err)
		if te.Kind == apperr.KindCancelled {
			return nil, te
		}
		return nil, apperr.ConfirmationFailed(0, te.Message).WithCause(te)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, apperr.Unauthenticated(failureMessage(resp, failure))
	case resp.IsError() || resp.StatusCode() >= 300:
		return nil, apperr.ConfirmationFailed(resp.StatusCode(), failureMessage(resp, failure))
	}

	if result.Key != key {
		return nil, apperr.ConfirmationFailed(resp.StatusCode(), "server confirmed key "+result.Key+", expected "+key)
	}
	if u, err := url.Parse(result.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.ConfirmationFailed(resp.StatusCode(), "server returned invalid public url "+result.PublicURL)
	}

	r.log.Debug().Str("key", key).Str("url", result.PublicURL).Msg("transfer confirmed")
	return &Confirmation{
		PublicURL: result.PublicURL,
		Key:       result.Key,
		Metadata:  result.Metadata,
	}, nil
}
