// Package client implements the capture-side transport for the crysense
// server: session start/finish calls and a fire-and-forget chunk uploader
// backed by a bounded worker queue, so a slow or unreachable server never
// blocks the audio capture path.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/soothelab/crysense/pkg/audio"
)

// Config tunes a [Client]. Zero-valued fields get defaults.
type Config struct {
	// ServerURL is the crysense server base URL (e.g. "http://localhost:8080").
	ServerURL string

	// Workers is the number of concurrent chunk uploaders. Default: 2.
	Workers int

	// QueueSize bounds the pending chunk queue; chunks enqueued beyond it
	// are dropped with a warning. Default: 64.
	QueueSize int

	// HTTPTimeout caps a single request. Default: 15s.
	HTTPTimeout time.Duration
}

// StartResponse is the server's reply to a session start.
type StartResponse struct {
	OK                 bool   `json:"ok"`
	StreamID           string `json:"streamId"`
	EventID            string `json:"eventId"`
	Status             string `json:"status"`
	PartialEveryChunks int    `json:"partialEveryChunks"`
	Error              string `json:"error,omitempty"`
}

// ChunkResponse is the server's reply to one chunk upload. Guidance payloads
// stay raw so the client does not depend on the server's internal types.
type ChunkResponse struct {
	OK                  bool            `json:"ok"`
	StreamID            string          `json:"streamId"`
	Status              string          `json:"status"`
	ChunksReceived      int             `json:"chunksReceived"`
	NextPartialInChunks int             `json:"nextPartialInChunks,omitempty"`
	PartialGuidance     json.RawMessage `json:"partialGuidance,omitempty"`
	AIMeta              json.RawMessage `json:"aiMeta,omitempty"`
	Stale               bool            `json:"stale,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// FinishResponse is the server's reply to a session finish.
type FinishResponse struct {
	OK             bool            `json:"ok"`
	StreamID       string          `json:"streamId"`
	EventID        string          `json:"eventId"`
	Status         string          `json:"status"`
	ChunksReceived int             `json:"chunksReceived"`
	AIGuidance     json.RawMessage `json:"aiGuidance,omitempty"`
	AIMeta         json.RawMessage `json:"aiMeta,omitempty"`
	Notice         string          `json:"notice,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type job struct {
	streamID string
	chunk    audio.Chunk
}

// Client talks to the crysense live-streaming API. Start and Finish are
// synchronous; SendChunk enqueues and returns immediately. Responses to
// uploaded chunks arrive on [Client.Responses].
type Client struct {
	baseURL string
	httpc   *http.Client

	jobs      chan job
	responses chan ChunkResponse

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a client and starts its upload workers.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("client: server URL is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}

	c := &Client{
		baseURL:   cfg.ServerURL,
		httpc:     &http.Client{Timeout: cfg.HTTPTimeout},
		jobs:      make(chan job, cfg.QueueSize),
		responses: make(chan ChunkResponse, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c, nil
}

// Start opens a new streaming session on the server.
func (c *Client) Start(ctx context.Context) (*StartResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/events/crying/live/start", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("client: build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out StartResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("client: start: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("client: start rejected: %s", out.Error)
	}
	return &out, nil
}

// SendChunk enqueues one encoded chunk for upload. When the queue is full
// the chunk is dropped and logged; capture must never stall on the network.
func (c *Client) SendChunk(streamID string, chunk audio.Chunk) {
	select {
	case c.jobs <- job{streamID: streamID, chunk: chunk}:
	default:
		slog.Warn("chunk queue full, dropping chunk",
			"stream_id", streamID, "seq", chunk.Seq)
	}
}

// Responses delivers the server's replies to uploaded chunks, including any
// partial guidance. The channel is closed by [Client.Close].
func (c *Client) Responses() <-chan ChunkResponse { return c.responses }

// Finish completes the session and returns the final guidance.
func (c *Client) Finish(ctx context.Context, streamID string) (*FinishResponse, error) {
	body, _ := json.Marshal(map[string]string{"streamId": streamID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/events/crying/live/finish", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build finish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out FinishResponse
	if err := c.do(req, &out); err != nil {
		return nil, fmt.Errorf("client: finish: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("client: finish rejected: %s", out.Error)
	}
	return &out, nil
}

// Close stops the workers after draining queued chunks and closes the
// responses channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.jobs)
		c.wg.Wait()
		close(c.responses)
	})
}

func (c *Client) worker() {
	defer c.wg.Done()
	for j := range c.jobs {
		resp, err := c.uploadChunk(j)
		if err != nil {
			slog.Warn("chunk upload failed",
				"stream_id", j.streamID, "seq", j.chunk.Seq, "error", err)
			continue
		}
		select {
		case c.responses <- *resp:
		default:
			// Nobody is reading; partial updates are advisory.
		}
	}
}

func (c *Client) uploadChunk(j job) (*ChunkResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("streamId", j.streamID); err != nil {
		return nil, err
	}
	if err := mw.WriteField("mimeType", audio.WireMimeType); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("chunk", fmt.Sprintf("chunk-%d.pcm", j.chunk.Seq))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(j.chunk.Data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/events/crying/live/chunk", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out ChunkResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do executes req and decodes the JSON body into out regardless of status
// code; the ok/error envelope carries the verdict.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}
