package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/soothelab/crysense/pkg/audio"
)

// fakeServer implements just enough of the live-streaming API for the client.
type fakeServer struct {
	mu       sync.Mutex
	started  int
	chunks   [][]byte
	finished []string
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events/crying/live/start", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.started++
		id := fmt.Sprintf("strm_%04d", f.started)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "streamId": id, "status": "streaming"})
	})
	mux.HandleFunc("POST /api/events/crying/live/chunk", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		file, _, err := r.FormFile("chunk")
		if err != nil {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "no chunk"})
			return
		}
		data, _ := io.ReadAll(file)
		file.Close()
		f.mu.Lock()
		f.chunks = append(f.chunks, data)
		n := len(f.chunks)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "streamId": r.FormValue("streamId"),
			"status": "streaming", "chunksReceived": n,
		})
	})
	mux.HandleFunc("POST /api/events/crying/live/finish", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StreamID string `json:"streamId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.finished = append(f.finished, req.StreamID)
		n := len(f.chunks)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "streamId": req.StreamID, "eventId": "evt_1",
			"status": "completed", "chunksReceived": n,
		})
	})
	return mux
}

func (f *fakeServer) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeServer) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func TestClientLifecycle(t *testing.T) {
	t.Parallel()

	fake := &fakeServer{}
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	c, err := New(Config{ServerURL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}

	start, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if start.StreamID == "" || start.Status != "streaming" {
		t.Fatalf("start = %+v", start)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		c.SendChunk(start.StreamID, audio.Chunk{Seq: seq, Data: []byte{1, 2, 3, 4}})
	}

	// Drain three responses before finishing.
	for i := 0; i < 3; i++ {
		select {
		case resp := <-c.Responses():
			if !resp.OK {
				t.Fatalf("chunk response not ok: %+v", resp)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chunk response")
		}
	}

	fin, err := c.Finish(context.Background(), start.StreamID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if fin.Status != "completed" || fin.ChunksReceived != 3 {
		t.Fatalf("finish = %+v", fin)
	}

	c.Close()
	if fake.chunkCount() != 3 {
		t.Fatalf("server received %d chunks, want 3", fake.chunkCount())
	}
}

func TestClientQueueFullDropsChunks(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer slow.Close()
	defer close(block)

	c, err := New(Config{ServerURL: slow.URL, Workers: 1, QueueSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	// Fill workers + queue, then overflow. None of these calls may block.
	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 10; seq++ {
			c.SendChunk("strm_x", audio.Chunk{Seq: seq, Data: []byte{0}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendChunk blocked on a full queue")
	}
}

func TestClientStartErrorSurface(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "boom"})
	}))
	defer ts.Close()

	c, err := New(Config{ServerURL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error from rejected start")
	}
}

func TestMonitorStartsOnCryEdge(t *testing.T) {
	t.Parallel()

	fake := &fakeServer{}
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	c, err := New(Config{ServerURL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	m, err := NewMonitor(c, 0.1, WithEncoder(audio.NewChunkEncoder(audio.WithSendEvery(1))))
	if err != nil {
		t.Fatal(err)
	}

	quiet := audio.Frame{Samples: make([]float32, 160), SampleRate: 16000, Channels: 1}
	loud := audio.Frame{Samples: make([]float32, 160), SampleRate: 16000, Channels: 1}
	for i := range loud.Samples {
		loud.Samples[i] = 0.5
	}

	// Quiet frames are discarded outside a session.
	if err := m.Process(context.Background(), quiet); err != nil {
		t.Fatal(err)
	}
	if m.Streaming() {
		t.Fatal("quiet frame opened a session")
	}

	// A loud frame raises the edge exactly once.
	if err := m.Process(context.Background(), loud); err != nil {
		t.Fatal(err)
	}
	if !m.Streaming() {
		t.Fatal("loud frame did not open a session")
	}
	if err := m.Process(context.Background(), loud); err != nil {
		t.Fatal(err)
	}
	if fake.startedCount() != 1 {
		t.Fatalf("sessions started = %d, want 1", fake.startedCount())
	}

	fin, err := m.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fin == nil || fin.Status != "completed" {
		t.Fatalf("finish = %+v", fin)
	}
	if m.Streaming() {
		t.Fatal("monitor still streaming after Stop")
	}

	// Stopped monitor re-arms: a new loud frame opens a second session.
	if err := m.Process(context.Background(), loud); err != nil {
		t.Fatal(err)
	}
	if fake.startedCount() != 2 {
		t.Fatalf("sessions started = %d, want 2", fake.startedCount())
	}
}

func TestMonitorStopWithoutSession(t *testing.T) {
	t.Parallel()

	c, err := New(Config{ServerURL: "http://localhost:0"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	m, err := NewMonitor(c, 0.2)
	if err != nil {
		t.Fatal(err)
	}
	fin, err := m.Stop(context.Background())
	if err != nil || fin != nil {
		t.Fatalf("Stop = %+v, %v", fin, err)
	}
}
