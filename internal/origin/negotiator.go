package origin

import (
	"context"
	"net/http"

	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/grant"
	"github.com/gostones/fundupload/internal/policy"
	"github.com/gostones/fundupload/internal/types"
)

// GrantInput describes the object a grant is requested for.
type GrantInput struct {
	Category     policy.Category
	ContentType  string
	OriginalName string
	Metadata     map[string]string
}

// Negotiator obtains single-use write grants. It has no knowledge of the
// storage provider behind the grant.
type Negotiator struct {
	*Client
}

func NewNegotiator(c *Client) *Negotiator {
	return &Negotiator{Client: c}
}

// RequestGrant asks the origin server for a grant to write one object.
func (r *Negotiator) RequestGrant(ctx context.Context, cred Credential, in GrantInput) (*grant.Grant, error) {
	if cred == "" {
		return nil, apperr.Unauthenticated("no credential for grant request")
	}

	var result types.GrantResponse
	resp, failure, err := r.post(ctx, cred, r.cfg.GrantPath, r.cfg.GrantTimeout, &types.GrantRequest{
		FileType:     string(in.Category),
		ContentType:  in.ContentType,
		OriginalName: in.OriginalName,
		Metadata:     in.Metadata,
	}, &result)
	if err != nil {
		return nil, apperr.FromTransport(ctx, "grant request", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, apperr.Unauthenticated(failureMessage(resp, failure))
	case resp.IsError() || resp.StatusCode() >= 300:
		return nil, apperr.GrantDenied(resp.StatusCode(), failureMessage(resp, failure))
	}

	g, err := grant.FromResponse(&result)
	if err != nil {
		return nil, apperr.GrantDenied(resp.StatusCode(), "malformed grant").WithCause(err)
	}

	r.log.Debug().
		Str("key", g.Key).
		Str("method", g.Method.HTTPMethod()).
		Str("category", string(in.Category)).
		Msg("grant issued")
	return g, nil
}
