package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soothelab/crysense/internal/event"
	"github.com/soothelab/crysense/internal/observe"
	"github.com/soothelab/crysense/internal/priors"
	"github.com/soothelab/crysense/internal/reasoning"
	"github.com/soothelab/crysense/internal/reasoning/mock"
	"github.com/soothelab/crysense/internal/stream"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestServer(t *testing.T, eng reasoning.Engine) (*httptest.Server, event.Store) {
	t.Helper()

	store := event.NewMemStore()
	pri, err := priors.NewStore(filepath.Join(t.TempDir(), "priors.json"))
	if err != nil {
		t.Fatal(err)
	}

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	mgr := stream.NewManager(stream.Config{PartialEveryChunks: 3}, store, eng, pri, stream.WithMetrics(metrics))
	srv := NewServer(ServerConfig{}, mgr, store, eng, pri, WithMetrics(metrics))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

// modalEngine returns moderate confidence for partials and high for finals.
func modalEngine() *mock.Engine {
	return &mock.Engine{
		AnalyzeFunc: func(_ context.Context, req reasoning.Request) (*reasoning.Outcome, error) {
			conf := 0.6
			if req.Mode == reasoning.ModeFinal {
				conf = 0.95
			}
			return &reasoning.Outcome{
				Causes: []reasoning.Cause{
					{Label: "hunger", Confidence: conf},
					{Label: "unknown", Confidence: 0.1},
				},
				Actions: []string{"Offer a feed"},
				Model:   "mock",
			}, nil
		},
	}
}

func loudPCM(n int) []byte {
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(16000)))
	}
	return out
}

// postMultipart posts data as the named file field alongside extra form
// fields.
func postMultipart(t *testing.T, url, fileField string, data []byte, fields map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile(fileField, "audio.pcm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestLiveStreamEndToEnd(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, modalEngine())

	var start startResponse
	decode(t, postJSON(t, ts.URL+"/api/events/crying/live/start", "{}"), &start)
	if !start.OK || start.Status != "streaming" || start.StreamID == "" || start.EventID == "" {
		t.Fatalf("start = %+v", start)
	}
	if start.PartialEveryChunks != 3 {
		t.Fatalf("partialEveryChunks = %d", start.PartialEveryChunks)
	}

	var chunk chunkResponse
	for i := 1; i <= 3; i++ {
		resp := postMultipart(t, ts.URL+"/api/events/crying/live/chunk", "chunk", loudPCM(160),
			map[string]string{"streamId": start.StreamID})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d: status %d", i, resp.StatusCode)
		}
		decode(t, resp, &chunk)
		if chunk.ChunksReceived != i {
			t.Fatalf("chunk %d: chunksReceived = %d", i, chunk.ChunksReceived)
		}
	}
	if chunk.PartialGuidance == nil {
		t.Fatal("no partial guidance on third chunk")
	}
	if tier := chunk.PartialGuidance.ConfidenceLevel; string(tier) != "medium" {
		t.Fatalf("partial tier = %q, want medium", tier)
	}

	var fin finishResponse
	resp := postJSON(t, ts.URL+"/api/events/crying/live/finish",
		fmt.Sprintf(`{"streamId":%q}`, start.StreamID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finish status %d", resp.StatusCode)
	}
	decode(t, resp, &fin)
	if fin.Status != "completed" || fin.ChunksReceived != 3 {
		t.Fatalf("finish = %+v", fin)
	}
	if string(fin.AIGuidance.ConfidenceLevel) != "high" {
		t.Fatalf("final tier = %q, want high", fin.AIGuidance.ConfidenceLevel)
	}
	if fin.Event == nil || fin.Event.Payload.AIGuidance == nil {
		t.Fatal("finish response is missing the finalized event")
	}

	var got eventResponse
	decode(t, mustGet(t, ts.URL+"/api/events/"+fin.EventID), &got)
	st := got.Event.Payload.Streaming
	if st == nil || st.Status != "completed" || len(st.PartialUpdates) != 1 {
		t.Fatalf("streaming payload = %+v", st)
	}
}

func mustGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestChunkValidation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, mock.New())

	// Missing streamId.
	resp := postMultipart(t, ts.URL+"/api/events/crying/live/chunk", "chunk", loudPCM(16), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing streamId: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Unknown stream id is a per-chunk rejection, not a request failure.
	resp = postMultipart(t, ts.URL+"/api/events/crying/live/chunk", "chunk", loudPCM(16),
		map[string]string{"streamId": "strm_nope"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown stream: status %d", resp.StatusCode)
	}
	var chunk chunkResponse
	decode(t, resp, &chunk)
	if !chunk.OK || chunk.Status != "unknown" {
		t.Fatalf("unknown stream response = %+v", chunk)
	}
}

func TestFinishValidation(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, mock.New())

	resp := postJSON(t, ts.URL+"/api/events/crying/live/finish", `{"streamId":"strm_nope"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/events/crying/live/finish", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCryingUpload(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, modalEngine())

	resp := postMultipart(t, ts.URL+"/api/events/crying", "audio", loudPCM(16000), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got eventResponse
	decode(t, resp, &got)
	if got.Event.Payload.AIGuidance == nil {
		t.Fatal("no guidance on uploaded event")
	}
	if got.Event.Payload.AudioAnalysis["intensity"] == nil {
		t.Fatal("no audio analysis")
	}
	if got.Event.Source != event.SourceUpload {
		t.Fatalf("source = %q", got.Event.Source)
	}
}

func TestCryingUploadEmptyAudio(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, mock.New())
	resp := postMultipart(t, ts.URL+"/api/events/crying", "audio", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestManualEventAndContextSummary(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, mock.New())

	resp := postJSON(t, ts.URL+"/api/events/manual", `{"type":"juggling"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad type: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	var saved eventResponse
	decode(t, postJSON(t, ts.URL+"/api/events/manual", `{"type":"feeding","note":"90ml"}`), &saved)
	if saved.Event.Category != event.CategoryCare {
		t.Fatalf("category = %q", saved.Event.Category)
	}

	var summary contextSummaryResponse
	decode(t, mustGet(t, ts.URL+"/api/context/summary"), &summary)
	if !strings.Contains(summary.Summary, "last feeding") {
		t.Fatalf("summary = %q", summary.Summary)
	}
	if !summary.Limited {
		t.Fatal("one care event should still count as limited context")
	}
}

func TestFeedbackAdjustsPriors(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, modalEngine())

	var uploaded eventResponse
	decode(t, postMultipart(t, ts.URL+"/api/events/crying", "audio", loudPCM(160), nil), &uploaded)

	var rated eventResponse
	resp := postJSON(t, ts.URL+"/api/events/feedback",
		fmt.Sprintf(`{"eventId":%q,"helpful":true}`, uploaded.Event.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	decode(t, resp, &rated)

	lu := rated.Event.Payload.LearningUpdate
	if lu == nil {
		t.Fatal("no learning update recorded")
	}
	if lu.Label != "hunger" {
		t.Fatalf("learning label = %q", lu.Label)
	}
	if lu.After <= lu.Before {
		t.Fatalf("helpful feedback should raise the weight: before=%v after=%v", lu.Before, lu.After)
	}
	if rated.Event.Payload.UserFeedback == nil || !rated.Event.Payload.UserFeedback.Helpful {
		t.Fatal("user feedback not recorded")
	}
}

func TestFeedbackValidation(t *testing.T) {
	t.Parallel()

	ts, store := newTestServer(t, mock.New())

	resp := postJSON(t, ts.URL+"/api/events/feedback", `{"eventId":"evt_nope","helpful":true}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown event: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Events without guidance cannot be rated.
	ev := event.New(event.TypeFeeding, event.SourceManual, event.CategoryCare, time.Now().UTC())
	if err := store.Save(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	resp = postJSON(t, ts.URL+"/api/events/feedback",
		fmt.Sprintf(`{"eventId":%q,"helpful":true}`, ev.ID))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no guidance: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRecentAndMetrics(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, modalEngine())
	postMultipart(t, ts.URL+"/api/events/crying", "audio", loudPCM(160), nil).Body.Close()

	var recent recentResponse
	decode(t, mustGet(t, ts.URL+"/api/events/recent?limit=5"), &recent)
	if len(recent.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(recent.Events))
	}

	resp := mustGet(t, ts.URL+"/api/events/recent?limit=-3")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	var gm guidanceMetricsResponse
	decode(t, mustGet(t, ts.URL+"/api/metrics"), &gm)
	if !gm.OK || gm.CryEvents != 1 {
		t.Fatalf("metrics = %+v", gm)
	}
	if gm.ByTier["high"] != 1 {
		t.Fatalf("byTier = %v", gm.ByTier)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, mock.New())
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := mustGet(t, ts.URL+path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
