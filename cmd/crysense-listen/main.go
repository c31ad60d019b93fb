// Command crysense-listen is the capture-side companion to the crysense
// server. It reads raw 16-bit little-endian PCM from stdin or a file,
// watches for a cry with a level detector, and streams the audio to the
// server while printing partial and final guidance as it arrives.
//
// Pipe any capture tool into it, e.g.:
//
//	arecord -f S16_LE -r 48000 -c 1 -t raw | crysense-listen -rate 48000
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soothelab/crysense/pkg/audio"
	"github.com/soothelab/crysense/pkg/client"
)

// frameDuration is the capture block size fed to the detector and encoder.
const frameDuration = 100 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	serverURL := flag.String("server", "http://localhost:8080", "crysense server base URL")
	threshold := flag.Float64("threshold", 0.1, "cry detection RMS threshold in [0, 0.5]; 0 streams immediately")
	input := flag.String("input", "-", "raw PCM input file, or - for stdin")
	rate := flag.Int("rate", 48000, "input sample rate in Hz")
	channels := flag.Int("channels", 1, "input channel count")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "crysense-listen: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	c, err := client.New(client.Config{ServerURL: *serverURL})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crysense-listen: %v\n", err)
		return 1
	}
	defer c.Close()

	monitor, err := client.NewMonitor(c, *threshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crysense-listen: %v\n", err)
		return 1
	}
	pipeline := client.NewPipeline(monitor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Print partial guidance as the server produces it.
	go printResponses(c.Responses())

	if err := pump(ctx, in, pipeline, *rate, *channels); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("capture loop failed", "err", err)
		return 1
	}

	// Input ended or interrupted — drain the queue and close any open session
	// for the final verdict.
	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fin, err := pipeline.Close(finishCtx)
	if err != nil {
		slog.Error("finish failed", "err", err)
		return 1
	}
	if fin != nil {
		printFinal(fin)
	}
	return 0
}

// pump reads fixed-duration PCM blocks and pushes them into the pipeline
// until EOF or cancellation.
func pump(ctx context.Context, in io.Reader, pipeline *client.Pipeline, rate, channels int) error {
	samplesPerFrame := rate * channels * int(frameDuration/time.Millisecond) / 1000
	buf := make([]byte, 2*samplesPerFrame)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(in, buf)
		if errors.Is(readErr, io.EOF) || n < 2 {
			return nil
		}
		if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read input: %w", readErr)
		}

		pipeline.Push(audio.Frame{
			Samples:    decodePCM(buf[:n-n%2]),
			SampleRate: rate,
			Channels:   channels,
			Timestamp:  time.Now(),
		})
		if readErr != nil {
			// Short final read: the input is exhausted.
			return nil
		}
	}
}

// decodePCM converts 16-bit little-endian samples to normalised floats.
func decodePCM(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[2*i:]))) / 32768
	}
	return out
}

func printResponses(responses <-chan client.ChunkResponse) {
	for resp := range responses {
		if resp.PartialGuidance == nil {
			continue
		}
		label := "partial guidance"
		if resp.Stale {
			label = "partial guidance (stale)"
		}
		fmt.Printf("── %s after %d chunks ──\n%s\n", label, resp.ChunksReceived, indentJSON(resp.PartialGuidance))
	}
}

func printFinal(fin *client.FinishResponse) {
	fmt.Printf("── final guidance (%s, %d chunks) ──\n%s\n", fin.Status, fin.ChunksReceived, indentJSON(fin.AIGuidance))
	if fin.Notice != "" {
		fmt.Println(fin.Notice)
	}
}

func indentJSON(raw json.RawMessage) string {
	var buf []byte
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		buf, _ = json.MarshalIndent(v, "", "  ")
	}
	if buf == nil {
		return string(raw)
	}
	return string(buf)
}
