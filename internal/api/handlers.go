package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/soothelab/crysense/internal/abtest"
	"github.com/soothelab/crysense/internal/care"
	"github.com/soothelab/crysense/internal/event"
	"github.com/soothelab/crysense/internal/guidance"
	"github.com/soothelab/crysense/internal/priors"
	"github.com/soothelab/crysense/internal/reasoning"
	"github.com/soothelab/crysense/internal/stream"
	"github.com/soothelab/crysense/pkg/audio"
)

// multipartMemory is the in-memory threshold for multipart parsing; larger
// parts spill to disk.
const multipartMemory = 1 << 20

// ── Live streaming ───────────────────────────────────────────────────────────

type startRequest struct {
	OccurredAt    string   `json:"occurredAt,omitempty"`
	ABVariant     string   `json:"abVariant,omitempty"`
	AudioMimeType string   `json:"audioMimeType,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

type startResponse struct {
	OK                 bool   `json:"ok"`
	StreamID           string `json:"streamId"`
	EventID            string `json:"eventId"`
	Status             string `json:"status"`
	PartialEveryChunks int    `json:"partialEveryChunks"`
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	// The body is optional; every field has a server-side default.
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var opts []stream.StartOption
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			respondError(w, http.StatusBadRequest, "occurredAt must be RFC 3339")
			return
		}
		opts = append(opts, stream.StartAt(t))
	}
	if req.ABVariant != "" {
		v, ok := abtest.Parse(req.ABVariant)
		if !ok {
			respondError(w, http.StatusBadRequest, "abVariant must be treatment or control")
			return
		}
		opts = append(opts, stream.StartWithVariant(v))
	}
	if req.AudioMimeType != "" {
		opts = append(opts, stream.StartWithMimeType(req.AudioMimeType))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, stream.StartWithTags(req.Tags...))
	}

	res, err := s.mgr.Start(r.Context(), opts...)
	if err != nil {
		slog.Error("start stream", "error", err)
		respondError(w, http.StatusInternalServerError, "could not start stream")
		return
	}
	respondJSON(w, http.StatusOK, startResponse{
		OK:                 true,
		StreamID:           res.StreamID,
		EventID:            res.EventID,
		Status:             res.Status,
		PartialEveryChunks: res.PartialEveryChunks,
	})
}

type chunkResponse struct {
	OK                  bool             `json:"ok"`
	StreamID            string           `json:"streamId"`
	Status              string           `json:"status"`
	ChunksReceived      int              `json:"chunksReceived"`
	NextPartialInChunks int              `json:"nextPartialInChunks,omitempty"`
	PartialGuidance     *guidance.Result `json:"partialGuidance,omitempty"`
	AIMeta              *event.AIMeta    `json:"aiMeta,omitempty"`
	Stale               bool             `json:"stale,omitempty"`
}

func (s *Server) handleLiveChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	streamID := r.FormValue("streamId")
	if streamID == "" {
		respondError(w, http.StatusBadRequest, "streamId is required")
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		respondError(w, http.StatusBadRequest, "chunk file is required")
		return
	}
	defer file.Close()

	// Read one byte past the limit so the manager can tell oversized apart
	// from exactly-at-limit.
	data, err := io.ReadAll(io.LimitReader(file, int64(s.cfg.ChunkMaxBytes)+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read chunk")
		return
	}

	res := s.mgr.AppendChunk(r.Context(), streamID, data, r.FormValue("mimeType"))

	resp := chunkResponse{
		OK:                  true,
		StreamID:            res.StreamID,
		Status:              res.Status,
		ChunksReceived:      res.ChunksReceived,
		NextPartialInChunks: res.NextPartialInChunks,
		Stale:               res.Stale,
	}
	if res.Partial != nil {
		resp.PartialGuidance = res.Partial.Guidance
		resp.AIMeta = res.Meta
	}
	respondJSON(w, http.StatusOK, resp)
}

type finishRequest struct {
	StreamID string `json:"streamId"`
}

type finishResponse struct {
	OK             bool             `json:"ok"`
	StreamID       string           `json:"streamId"`
	EventID        string           `json:"eventId"`
	Status         string           `json:"status"`
	ChunksReceived int              `json:"chunksReceived"`
	AIGuidance     *guidance.Result `json:"aiGuidance"`
	AIMeta         *event.AIMeta    `json:"aiMeta,omitempty"`
	Notice         string           `json:"notice,omitempty"`
	Event          *event.Event     `json:"event,omitempty"`
}

func (s *Server) handleLiveFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamID == "" {
		respondError(w, http.StatusBadRequest, "streamId is required")
		return
	}

	final, err := s.mgr.Finish(r.Context(), req.StreamID)
	if errors.Is(err, stream.ErrStreamNotFound) {
		respondError(w, http.StatusNotFound, "unknown stream")
		return
	}
	if err != nil {
		slog.Error("finish stream", "stream_id", req.StreamID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not finish stream")
		return
	}

	resp := finishResponse{
		OK:             true,
		StreamID:       final.StreamID,
		EventID:        final.EventID,
		Status:         final.Status,
		ChunksReceived: final.ChunksReceived,
		AIGuidance:     final.Guidance,
		AIMeta:         final.Meta,
		Notice:         final.Notice,
	}
	if ev, err := s.store.Get(r.Context(), final.EventID); err == nil {
		resp.Event = ev
	} else {
		slog.Warn("finished event not readable", "event_id", final.EventID, "error", err)
	}
	respondJSON(w, http.StatusOK, resp)
}

// ── One-shot cry analysis ────────────────────────────────────────────────────

type eventResponse struct {
	OK    bool         `json:"ok"`
	Event *event.Event `json:"event"`
}

func (s *Server) handleCryingUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	pcm, err := io.ReadAll(io.LimitReader(file, int64(s.cfg.ChunkMaxBytes)+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read audio")
		return
	}
	if len(pcm) == 0 {
		respondError(w, http.StatusBadRequest, "audio file is empty")
		return
	}
	if len(pcm) > s.cfg.ChunkMaxBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "audio exceeds the size limit")
		return
	}

	occurredAt := time.Now().UTC()
	if raw := r.FormValue("occurredAt"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "occurredAt must be RFC 3339")
			return
		}
		occurredAt = t.UTC()
	}
	mime := r.FormValue("mimeType")
	if mime == "" {
		mime = audio.WireMimeType
	}

	ev := event.New(event.TypeCrying, event.SourceUpload, event.CategoryCry, occurredAt)
	ev.Payload.AudioAnalysis = map[string]any{
		"intensity":       audio.IntensityLabel(pcm),
		"durationSeconds": audio.PCMDuration(pcm).Seconds(),
	}

	summary, err := s.summarizer.Recent(r.Context(), time.Now())
	if err != nil {
		slog.Warn("care summary unavailable", "error", err)
		summary = care.Summary{Limited: true}
	}
	weights := s.pri.Weights(priors.BucketFor(occurredAt))

	g := guidance.Unavailable()
	callCtx, cancel := context.WithTimeout(r.Context(), s.cfg.OracleTimeout)
	defer cancel()
	start := time.Now()
	out, err := s.oracle.Analyze(callCtx, reasoning.Request{
		Audio:          pcm,
		MimeType:       mime,
		Mode:           reasoning.ModeFinal,
		OccurredAt:     occurredAt,
		CareSummary:    summary.Text,
		LimitedContext: summary.Limited,
		Priors:         weights,
	})
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.RecordOracleCall(r.Context(), "oracle", "upload", "error", elapsed.Seconds())
		slog.Error("cry analysis failed", "error", err)
	} else {
		s.metrics.RecordOracleCall(r.Context(), out.Model, "upload", "ok", elapsed.Seconds())
		g = guidance.FromOutcome(out, guidance.Options{Priors: weights, LimitedContext: summary.Limited})
		ev.Payload.AIMeta = &event.AIMeta{
			Model:     out.Model,
			Mode:      "final",
			LatencyMS: elapsed.Milliseconds(),
			ABVariant: string(abtest.Assign(ev.ID)),
		}
	}
	ev.Payload.AIGuidance = g

	if episodes, err := s.summarizer.HighIntensityEpisodes(r.Context(), time.Now()); err == nil {
		if episodes >= care.SafetyEpisodeThreshold {
			ev.Payload.Notice = guidance.SafetyNotice
		}
	}

	if err := s.store.Save(r.Context(), ev); err != nil {
		slog.Error("save cry event", "error", err)
		respondError(w, http.StatusInternalServerError, "could not save event")
		return
	}
	respondJSON(w, http.StatusOK, eventResponse{OK: true, Event: ev})
}

// ── Manual care events ───────────────────────────────────────────────────────

type manualEventRequest struct {
	Type       string   `json:"type"`
	OccurredAt string   `json:"occurredAt,omitempty"`
	Note       string   `json:"note,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

var manualEventTypes = []string{event.TypeFeeding, event.TypeDiaper, event.TypeSleep, event.TypeNote}

func (s *Server) handleManualEvent(w http.ResponseWriter, r *http.Request) {
	var req manualEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !slices.Contains(manualEventTypes, req.Type) {
		respondError(w, http.StatusBadRequest, "type must be one of: feeding, diaper, sleep, note")
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			respondError(w, http.StatusBadRequest, "occurredAt must be RFC 3339")
			return
		}
		occurredAt = t.UTC()
	}

	ev := event.New(req.Type, event.SourceManual, event.CategoryCare, occurredAt)
	ev.Payload.Note = req.Note
	ev.Tags = req.Tags

	if err := s.store.Save(r.Context(), ev); err != nil {
		slog.Error("save manual event", "error", err)
		respondError(w, http.StatusInternalServerError, "could not save event")
		return
	}
	respondJSON(w, http.StatusOK, eventResponse{OK: true, Event: ev})
}

// ── Feedback ─────────────────────────────────────────────────────────────────

type feedbackRequest struct {
	EventID     string `json:"eventId"`
	Helpful     bool   `json:"helpful"`
	ActualCause string `json:"actualCause,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
		respondError(w, http.StatusBadRequest, "eventId is required")
		return
	}
	if req.ActualCause != "" && !slices.Contains(reasoning.CauseLabels, req.ActualCause) {
		respondError(w, http.StatusBadRequest, "actualCause is not a known cause")
		return
	}

	ev, err := s.store.Get(r.Context(), req.EventID)
	if errors.Is(err, event.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		slog.Error("load event", "event_id", req.EventID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not load event")
		return
	}
	if ev.Payload.AIGuidance == nil {
		respondError(w, http.StatusBadRequest, "event has no guidance to rate")
		return
	}

	bucket := priors.BucketFor(ev.OccurredAt)
	label := ev.Payload.AIGuidance.MostLikelyCause.Label
	update, err := s.pri.ApplyFeedback(bucket, label, req.Helpful)
	if err != nil {
		slog.Error("apply feedback", "bucket", bucket, "label", label, "error", err)
		respondError(w, http.StatusInternalServerError, "could not apply feedback")
		return
	}

	ev.Payload.UserFeedback = &event.UserFeedback{
		Helpful:     req.Helpful,
		ActualCause: req.ActualCause,
		Comment:     req.Comment,
		At:          time.Now().UTC(),
	}
	ev.Payload.LearningUpdate = &event.LearningUpdate{
		Bucket: update.Bucket,
		Label:  update.Label,
		Before: update.Before,
		After:  update.After,
	}
	if err := s.store.Update(r.Context(), ev); err != nil {
		slog.Error("update event", "event_id", ev.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not save feedback")
		return
	}
	respondJSON(w, http.StatusOK, eventResponse{OK: true, Event: ev})
}

// ── Read endpoints ───────────────────────────────────────────────────────────

type recentResponse struct {
	OK     bool           `json:"ok"`
	Events []*event.Event `json:"events"`
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}

	events, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("list events", "error", err)
		respondError(w, http.StatusInternalServerError, "could not list events")
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	respondJSON(w, http.StatusOK, recentResponse{OK: true, Events: events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, event.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown event")
		return
	}
	if err != nil {
		slog.Error("load event", "error", err)
		respondError(w, http.StatusInternalServerError, "could not load event")
		return
	}
	respondJSON(w, http.StatusOK, eventResponse{OK: true, Event: ev})
}

type contextSummaryResponse struct {
	OK      bool   `json:"ok"`
	Summary string `json:"summary"`
	Limited bool   `json:"limited"`
}

func (s *Server) handleContextSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.summarizer.Recent(r.Context(), time.Now())
	if err != nil {
		slog.Error("build summary", "error", err)
		respondError(w, http.StatusInternalServerError, "could not build summary")
		return
	}
	respondJSON(w, http.StatusOK, contextSummaryResponse{OK: true, Summary: summary.Text, Limited: summary.Limited})
}

// ── Guidance metrics ─────────────────────────────────────────────────────────

// guidanceMetricsWindow is how many recent events the aggregates cover.
const guidanceMetricsWindow = 500

type guidanceMetricsResponse struct {
	OK               bool           `json:"ok"`
	TotalEvents      int            `json:"totalEvents"`
	CryEvents        int            `json:"cryEvents"`
	ByTier           map[string]int `json:"byTier"`
	ABComparisons    int            `json:"abComparisons"`
	ByVariant        map[string]int `json:"byVariant"`
	ControlAgreement float64        `json:"controlAgreement"`
}

func (s *Server) handleGuidanceMetrics(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Recent(r.Context(), guidanceMetricsWindow)
	if err != nil {
		slog.Error("list events", "error", err)
		respondError(w, http.StatusInternalServerError, "could not compute metrics")
		return
	}

	resp := guidanceMetricsResponse{
		OK:        true,
		ByTier:    map[string]int{},
		ByVariant: map[string]int{},
	}
	agreed := 0
	compared := 0
	for _, ev := range events {
		resp.TotalEvents++
		if ev.Category != event.CategoryCry {
			continue
		}
		resp.CryEvents++
		if g := ev.Payload.AIGuidance; g != nil {
			resp.ByTier[string(g.ConfidenceLevel)]++
		}
		if ab := ev.Payload.ABTest; ab != nil {
			resp.ABComparisons++
			resp.ByVariant[ab.Variant]++
			if ab.ControlCause != "" && ev.Payload.AIGuidance != nil {
				compared++
				if ab.ControlCause == ev.Payload.AIGuidance.MostLikelyCause.Label {
					agreed++
				}
			}
		}
	}
	if compared > 0 {
		resp.ControlAgreement = float64(agreed) / float64(compared)
	}
	respondJSON(w, http.StatusOK, resp)
}
