// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package api

import (
	"errors"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/forward"
	"github.com/tomtom215/archivist/internal/hashing"
	"github.com/tomtom215/archivist/internal/logging"
	"github.com/tomtom215/archivist/internal/sorting"
	"github.com/tomtom215/archivist/internal/validation"
)

const (
	maxJSONBody  = 1 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	checks := map[string]string{"store": "ok"}
	ready := true
	if err := h.archive.Ready(r.Context()); err != nil {
		checks["store"] = err.Error()
		ready = false
	}
	for name, dep := range h.deps {
		if dep == nil || dep.Healthy() {
			checks[name] = "ok"
			continue
		}
		checks[name] = "unhealthy"
		ready = false
	}
	if !ready {
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "not ready", "", checks)
		return
	}
	rw.Success(checks)
}

// submitFile streams the request body into the archive. Metadata comes
// from the query string; size falls back to Content-Length.
func (h *Handler) submitFile(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	md := archive.SubmitMetadata{
		SourceID:        q.Get("source_id"),
		SourceMessageID: q.Get("source_message_id"),
		MimeHint:        q.Get("mime_hint"),
		SizeBytes:       hashing.UnknownSize,
	}
	if md.MimeHint == "" {
		md.MimeHint = contentTypeHint(r.Header.Get("Content-Type"))
	}
	if labels := q.Get("labels"); labels != "" {
		md.Labels = strings.Split(labels, ",")
	}
	switch size := q.Get("size"); {
	case size != "":
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil || n < 0 {
			rw.BadRequest("size must be a non-negative integer")
			return
		}
		md.SizeBytes = n
	case r.ContentLength >= 0:
		md.SizeBytes = r.ContentLength
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	res, err := h.archive.Submit(r.Context(), body, md)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rw.ErrorWithDetails(http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "file exceeds upload limit",
				archive.ClassRejected.String(), map[string]int64{"limit_bytes": tooLarge.Limit})
			return
		}
		rw.ArchiveError(err)
		return
	}

	logging.Ctx(r.Context(), h.logger).Info().Str("sha256", res.ContentSHA256).Str("status", res.Status.String()).
		Str("source", md.SourceID).Msg("File submitted")
	if res.Status == hashing.StatusNew {
		rw.Created(res)
		return
	}
	rw.Success(res)
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sha, ok := digestParam(rw, r)
	if !ok {
		return
	}
	f, err := h.archive.Lookup(r.Context(), sha)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(f)
}

func (h *Handler) similarFiles(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sha, ok := digestParam(rw, r)
	if !ok {
		return
	}
	alg := hashing.AlgorithmPerceptual
	if s := r.URL.Query().Get("algorithm"); s != "" {
		var err error
		if alg, err = hashing.ParseAlgorithm(s); err != nil {
			rw.ArchiveError(err)
			return
		}
	}
	threshold := -1
	if s := r.URL.Query().Get("threshold"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			rw.BadRequest("threshold must be a non-negative integer")
			return
		}
		threshold = n
	}

	matches, err := h.archive.FindSimilar(r.Context(), sha, alg, threshold)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	if matches == nil {
		matches = []hashing.Match{}
	}
	rw.List(matches, len(matches))
}

type reassignRequest struct {
	CategoryID string `json:"category_id" validate:"required,identifier"`
}

func (h *Handler) reassignFile(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sha, ok := digestParam(rw, r)
	if !ok {
		return
	}
	var req reassignRequest
	if !decodeBody(rw, w, r, &req) {
		return
	}
	a, err := h.archive.Reassign(r.Context(), sha, req.CategoryID)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(a)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	schedules, err := h.archive.Schedules(r.Context())
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	if schedules == nil {
		schedules = []forward.Schedule{}
	}
	rw.List(schedules, len(schedules))
}

func (h *Handler) registerSchedule(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var spec forward.ScheduleSpec
	if !decodeBody(rw, w, r, &spec) {
		return
	}
	id, err := h.archive.RegisterSchedule(r.Context(), spec)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	logging.Ctx(r.Context(), h.logger).Info().Str("schedule_id", id).Str("destination", spec.DestinationID).
		Msg("Schedule registered")
	rw.Created(map[string]string{"schedule_id": id})
}

func (h *Handler) enableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *Handler) disableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")
	if err := h.archive.SetScheduleEnabled(r.Context(), id, enabled); err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(map[string]any{"schedule_id": id, "enabled": enabled})
}

func (h *Handler) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	st, err := h.archive.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(st)
}

func (h *Handler) scheduleStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	st, err := h.archive.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(st)
}

func (h *Handler) scheduleItems(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	state := forward.State(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		rw.BadRequest("unknown state " + strconv.Quote(string(state)))
		return
	}
	limit, ok := limitParam(rw, r)
	if !ok {
		return
	}
	items, err := h.archive.Items(r.Context(), chi.URLParam(r, "id"), state, limit)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	if items == nil {
		items = []forward.Item{}
	}
	rw.List(items, len(items))
}

type claimRequest struct {
	AgentID string `json:"agent_id" validate:"required,identifier"`
	Max     int    `json:"max" validate:"min=1,max=1000"`
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	req := claimRequest{Max: 10}
	if !decodeBody(rw, w, r, &req) {
		return
	}
	items, err := h.archive.Claim(r.Context(), req.AgentID, req.Max)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	if items == nil {
		items = []forward.Item{}
	}
	rw.List(items, len(items))
}

func (h *Handler) markResult(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	var o forward.Outcome
	if !decodeBody(rw, w, r, &o) {
		return
	}
	if !o.Delivered && o.Error == "" {
		rw.BadRequest("a failed outcome needs an error message")
		return
	}
	it, err := h.archive.MarkResult(r.Context(), chi.URLParam(r, "id"), o)
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(it)
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	stats, err := h.archive.ListGroupStats(r.Context())
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	if stats == nil {
		stats = []sorting.GroupStats{}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].CategoryID < stats[j].CategoryID })
	rw.List(stats, len(stats))
}

func (h *Handler) categoryStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	st, err := h.archive.GroupStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(st)
}

func (h *Handler) integrity(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	anomalies, err := h.archive.VerifyIntegrity(r.Context())
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.Success(map[string]any{
		"clean":     len(anomalies) == 0,
		"anomalies": anomalies,
	})
}

func (h *Handler) migrations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	records, err := h.archive.Migrations(r.Context())
	if err != nil {
		rw.ArchiveError(err)
		return
	}
	rw.List(records, len(records))
}

// contentTypeHint drops the generic types HTTP clients send for raw bodies.
func contentTypeHint(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	switch mt {
	case "application/octet-stream", "application/x-www-form-urlencoded", "multipart/form-data":
		return ""
	}
	return mt
}

func digestParam(rw *ResponseWriter, r *http.Request) (string, bool) {
	sha := strings.ToLower(chi.URLParam(r, "sha"))
	if err := validation.ValidateVar("sha", sha, "sha256hex"); err != nil {
		rw.BadRequest("sha must be 64 hex characters")
		return "", false
	}
	return sha, true
}

func limitParam(rw *ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxLimit {
		rw.BadRequest("limit must be between 1 and " + strconv.Itoa(maxLimit))
		return 0, false
	}
	return n, true
}

// decodeBody reads a JSON body into v and validates it.
func decodeBody(rw *ResponseWriter, w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return false
	}
	if err := validation.ValidateStruct(v); err != nil {
		rw.ArchiveError(err)
		return false
	}
	return true
}
