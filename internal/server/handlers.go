package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/policy"
	"github.com/gostones/fundupload/internal/types"
)

const maxRequestBody = 64 << 10

func decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req types.GrantRequest
	if err := decode(r, &req); err != nil {
		s.metrics.rejected.WithLabelValues(reasonBadRequest).Inc()
		s.writeError(w, http.StatusBadRequest, "BadRequest", "malformed grant request")
		return
	}

	c, ok := policy.Parse(req.FileType)
	if !ok {
		s.metrics.rejected.WithLabelValues(reasonPolicy).Inc()
		s.writeError(w, http.StatusBadRequest, string(apperr.KindUnsupportedType), fmt.Sprintf("unknown file type %q", req.FileType))
		return
	}
	rule, _ := policy.Lookup(c)
	// Size is not known yet; storage enforces the ceiling on POST and the
	// confirm step checks it for PUT.
	if err := policy.Validate(0, req.ContentType, c); err != nil {
		s.metrics.rejected.WithLabelValues(reasonPolicy).Inc()
		s.writeError(w, http.StatusBadRequest, string(apperr.KindOf(err)), err.Error())
		return
	}

	key := s.objectKey(rule.Namespace, req.OriginalName)
	resp := &types.GrantResponse{
		Key:       key,
		PublicURL: s.store.ObjectURL(key),
	}

	var err error
	if s.method == "post" {
		resp.Method = http.MethodPost
		resp.UploadURL, resp.FormData, err = s.store.PresignPost(key, req.ContentType, rule.Ceiling, s.expiry)
	} else {
		resp.Method = http.MethodPut
		resp.UploadURL, err = s.store.PresignPut(key, req.ContentType, s.expiry)
	}
	if err != nil {
		s.log.Error().Err(err).Str(logging.FieldKey, key).Msg("can't presign grant")
		s.metrics.rejected.WithLabelValues(reasonStorage).Inc()
		s.writeError(w, http.StatusBadGateway, "StorageUnavailable", "can't presign upload")
		return
	}

	s.metrics.grants.WithLabelValues(string(c), resp.Method).Inc()
	s.log.Info().
		Str(logging.FieldCategory, string(c)).
		Str(logging.FieldKey, key).
		Str("owner", subject(r.Context())).
		Str("method", resp.Method).
		Msg("grant issued")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req types.ConfirmRequest
	if err := decode(r, &req); err != nil || req.Key == "" {
		s.metrics.rejected.WithLabelValues(reasonBadRequest).Inc()
		s.writeError(w, http.StatusBadRequest, "BadRequest", "malformed confirm request")
		return
	}

	c, ok := policy.Parse(req.FileType)
	if !ok {
		s.metrics.rejected.WithLabelValues(reasonPolicy).Inc()
		s.writeError(w, http.StatusBadRequest, string(apperr.KindUnsupportedType), fmt.Sprintf("unknown file type %q", req.FileType))
		return
	}
	rule, _ := policy.Lookup(c)
	if !strings.HasPrefix(req.Key, rule.Namespace+"/") {
		s.metrics.rejected.WithLabelValues(reasonBadRequest).Inc()
		s.writeError(w, http.StatusBadRequest, "BadRequest", "key does not belong to file type")
		return
	}

	owner := subject(r.Context())
	if rec, ok := s.reg.get(req.Key); ok {
		if rec.Owner != owner {
			s.metrics.confirmed.WithLabelValues("forbidden").Inc()
			s.writeError(w, http.StatusForbidden, "Forbidden", "object was confirmed by another user")
			return
		}
		s.metrics.confirmed.WithLabelValues("repeat").Inc()
		s.writeJSON(w, http.StatusOK, confirmResponse(rec, req.Metadata))
		return
	}

	info, err := s.store.Head(r.Context(), req.Key)
	if errors.Is(err, ErrObjectNotFound) {
		s.metrics.orphans.Inc()
		s.metrics.confirmed.WithLabelValues("missing").Inc()
		s.writeError(w, http.StatusNotFound, string(apperr.KindConfirmationFailed), "object not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str(logging.FieldKey, req.Key).Msg("can't inspect object")
		s.metrics.rejected.WithLabelValues(reasonStorage).Inc()
		s.writeError(w, http.StatusBadGateway, "StorageUnavailable", "can't inspect object")
		return
	}

	if info.Size > rule.Ceiling {
		s.metrics.confirmed.WithLabelValues("too_large").Inc()
		s.writeError(w, http.StatusRequestEntityTooLarge, string(apperr.KindTooLarge), apperr.TooLarge(info.Size, rule.Ceiling).Message)
		return
	}
	// Multipart ETags ("<hash>-<parts>") are not content digests.
	if sum := req.Metadata["md5"]; sum != "" && !strings.Contains(info.ETag, "-") && !strings.EqualFold(sum, info.ETag) {
		s.log.Warn().Str(logging.FieldKey, req.Key).Str("md5", sum).Str("etag", info.ETag).Msg("checksum mismatch")
		s.metrics.confirmed.WithLabelValues("checksum_mismatch").Inc()
		s.writeError(w, http.StatusConflict, string(apperr.KindConfirmationFailed), "checksum mismatch")
		return
	}

	rec := Record{
		Key:         req.Key,
		Category:    c,
		Owner:       owner,
		Size:        info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
		PublicURL:   s.store.ObjectURL(req.Key),
		ConfirmedAt: s.now().UTC(),
	}
	s.reg.put(rec)

	s.metrics.confirmed.WithLabelValues("ok").Inc()
	s.log.Info().
		Str(logging.FieldCategory, string(c)).
		Str(logging.FieldKey, req.Key).
		Str("owner", owner).
		Int64("size", info.Size).
		Msg("upload confirmed")
	s.writeJSON(w, http.StatusOK, confirmResponse(rec, req.Metadata))
}

func confirmResponse(rec Record, meta map[string]string) types.ConfirmResponse {
	m := map[string]interface{}{
		"size":        rec.Size,
		"etag":        rec.ETag,
		"contentType": rec.ContentType,
		"category":    string(rec.Category),
		"confirmedAt": rec.ConfirmedAt.Format(time.RFC3339),
	}
	if name := meta["originalName"]; name != "" {
		m["originalName"] = name
	}
	return types.ConfirmResponse{
		PublicURL: rec.PublicURL,
		Key:       rec.Key,
		Metadata:  m,
	}
}

// objectKey lays keys out as <namespace>/<yyyy>/<mm>/<id><ext>. The client's
// file name only contributes a sanitized extension.
func (s *Server) objectKey(namespace, originalName string) string {
	now := s.now().UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s%s", namespace, now.Year(), int(now.Month()), s.newID(), extension(originalName))
}

func extension(name string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
