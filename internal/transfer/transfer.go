// Package transfer moves bytes straight to object storage using a grant.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gostones/fundupload/internal"
	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/grant"
	"github.com/gostones/fundupload/internal/logging"
)

// DefaultTimeout is the wall-clock ceiling of one transfer.
const DefaultTimeout = 30 * time.Second

// DefaultFileField is the multipart name of the payload in a form post.
const DefaultFileField = "file"

// Payload is the object to write. Handle is read in place and never copied.
type Payload struct {
	Name        string
	ContentType string
	Size        int64
	Handle      io.ReaderAt
}

// ProgressFunc receives the number of payload bytes sent so far.
type ProgressFunc func(sent, total int64)

// Client executes transfers against a grant.
type Client struct {
	hc      *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a transfer client. A nil hc uses a client without its own
// timeout; the per-transfer ceiling is applied through the context.
func New(hc *http.Client, timeout time.Duration, log zerolog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		hc:      hc,
		timeout: timeout,
		log:     logging.Component(log, "transfer"),
	}
}

// Transfer writes p to storage as described by g, calling progress as bytes
// leave. It returns nil only on a 2xx reply from storage.
func (r *Client) Transfer(ctx context.Context, g *grant.Grant, p Payload, progress ProgressFunc) error {
	if p.Handle == nil && p.Size > 0 {
		return apperr.InvalidPayload(fmt.Sprintf("%s has no readable handle", p.Name))
	}

	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		req *http.Request
		err error
	)
	switch m := g.Method.(type) {
	case grant.Direct:
		req, err = directRequest(tctx, g.Target, p, progress)
	case grant.FormPost:
		req, err = formRequest(tctx, g.Target, m, p, progress)
	default:
		return apperr.GrantDenied(0, fmt.Sprintf("unsupported transfer method %T", g.Method))
	}
	if err != nil {
		return apperr.GrantDenied(0, "unusable grant target").WithCause(err)
	}

	start := time.Now()
	resp, err := r.hc.Do(req)
	if err != nil {
		return apperr.FromTransport(ctx, "transfer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		target := redact(g.Target)
		r.log.Warn().
			Int("status", resp.StatusCode).
			Str("target", target).
			Str("key", g.Key).
			Str("body", strings.TrimSpace(string(snippet))).
			Msg("storage rejected transfer")
		return apperr.TransferRejected(resp.StatusCode, target)
	}
	io.Copy(io.Discard, resp.Body)

	r.log.Debug().
		Str("key", g.Key).
		Str("method", req.Method).
		Int64("bytes", p.Size).
		Dur("elapsed", time.Since(start)).
		Msg("transfer finished")
	return nil
}

func directRequest(ctx context.Context, target string, p Payload, progress ProgressFunc) (*http.Request, error) {
	body := internal.NewProgressReader(p.Handle, p.Size, progress)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = p.Size
	req.Header.Set("Content-Type", p.ContentType)
	if p.Size == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	} else {
		cur := body
		req.GetBody = func() (io.ReadCloser, error) {
			cur = cur.Rewound()
			return io.NopCloser(cur), nil
		}
	}
	return req, nil
}

// formRequest lays out the grant's fields in order followed by the payload.
// The multipart envelope is built up front so the request carries an exact
// Content-Length; storage providers refuse chunked form posts.
func formRequest(ctx context.Context, target string, m grant.FormPost, p Payload, progress ProgressFunc) (*http.Request, error) {
	var head bytes.Buffer
	mw := multipart.NewWriter(&head)
	for _, f := range m.Fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, err
		}
	}

	field := m.FileField
	if field == "" {
		field = DefaultFileField
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(field), escapeQuotes(p.Name)))
	h.Set("Content-Type", p.ContentType)
	if _, err := mw.CreatePart(h); err != nil {
		return nil, err
	}
	tail := "\r\n--" + mw.Boundary() + "--\r\n"

	prefix := head.Bytes()
	payload := internal.NewProgressReader(p.Handle, p.Size, progress)
	build := func(pr *internal.ProgressReader) io.Reader {
		return io.MultiReader(bytes.NewReader(prefix), pr, strings.NewReader(tail))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, build(payload))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(prefix)) + p.Size + int64(len(tail))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	cur := payload
	req.GetBody = func() (io.ReadCloser, error) {
		cur = cur.Rewound()
		return io.NopCloser(build(cur)), nil
	}
	return req, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// redact drops the query string, which carries the grant's signature.
func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	u.RawQuery = ""
	return u.String()
}
