// Package grant models the short-lived, single-object write permission an
// origin server hands out. A Grant is owned by exactly one upload task and
// is never cached or reused.
package grant

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gostones/fundupload/internal/types"
)

// Method is the wire shape the storage provider expects. It is a closed set:
// Direct and FormPost are the only implementations.
type Method interface {
	HTTPMethod() string
	method()
}

// Direct is a single PUT carrying the raw bytes.
type Direct struct{}

func (Direct) HTTPMethod() string { return http.MethodPut }
func (Direct) method()            {}

// FormPost is a multipart POST. Fields are sent first, in order, and the
// payload is appended last.
type FormPost struct {
	Fields types.Fields
	// FileField is the multipart name of the payload, "file" when empty.
	FileField string
}

func (FormPost) HTTPMethod() string { return http.MethodPost }
func (FormPost) method()            {}

// Grant is a write grant for one object.
type Grant struct {
	Key       string
	Target    string
	Method    Method
	PublicURL string
}

// FromResponse converts the origin server's wire response.
func FromResponse(r *types.GrantResponse) (*Grant, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("grant has no key")
	}
	if _, err := url.ParseRequestURI(r.UploadURL); err != nil {
		return nil, fmt.Errorf("grant has invalid upload url: %w", err)
	}

	var m Method
	switch strings.ToUpper(r.Method) {
	case http.MethodPut, "":
		m = Direct{}
	case http.MethodPost:
		m = FormPost{Fields: r.FormData}
	default:
		return nil, fmt.Errorf("grant has unsupported method %q", r.Method)
	}

	return &Grant{
		Key:       r.Key,
		Target:    r.UploadURL,
		Method:    m,
		PublicURL: r.PublicURL,
	}, nil
}

// ToResponse is the inverse of FromResponse.
func (g *Grant) ToResponse() *types.GrantResponse {
	r := &types.GrantResponse{
		Key:       g.Key,
		UploadURL: g.Target,
		Method:    g.Method.HTTPMethod(),
		PublicURL: g.PublicURL,
	}
	if fp, ok := g.Method.(FormPost); ok {
		r.FormData = fp.Fields
	}
	return r
}
