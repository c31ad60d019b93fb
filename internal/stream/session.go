// Package stream manages live cry-streaming sessions: chunk intake, partial
// guidance cadence, oracle throttling, finalization, and expiry.
//
// A session is created by [Manager.Start], fed by [Manager.AppendChunk], and
// closed either explicitly by [Manager.Finish] or by the [Reaper] after the
// inactivity timeout. Both paths converge on the same finalize step, so a
// racing finish and expiry produce exactly one terminal transition; the loser
// waits and returns the already-stored result.
package stream

import (
	"sync"
	"time"

	"github.com/soothelab/crysense/internal/abtest"
	"github.com/soothelab/crysense/internal/event"
	"github.com/soothelab/crysense/internal/guidance"
)

// Session statuses.
const (
	StatusStreaming = "streaming"
	StatusCompleted = "completed"
	StatusExpired   = "expired"

	// StatusUnknown is reported for chunks addressed to a stream id the
	// manager has never seen (or has already forgotten).
	StatusUnknown = "unknown"
)

// maxPartialUpdates caps the partial-guidance history recorded into the
// backing event. Later partials still update the live response; only the
// stored trail stops growing.
const maxPartialUpdates = 20

// session is the in-memory state of one live stream.
type session struct {
	id        string
	eventID   string
	createdAt time.Time
	variant   abtest.Variant

	// mu guards every mutable field below.
	mu           sync.Mutex
	status       string
	chunks       int
	pcm          []byte
	mimeType     string
	lastActivity time.Time
	terminalAt   time.Time

	lastPartial  *guidance.Result
	lastMeta     *event.AIMeta
	lastAnalysis string
	lastOracleAt time.Time
	partials     []event.PartialUpdate

	// inferMu serialises oracle calls for this session: at most one partial
	// or final analysis is in flight at a time. Partials use TryLock and fall
	// back to the previous result when it is held; finalize uses a blocking
	// Lock so the final call never overlaps a partial.
	inferMu sync.Mutex

	// finalized is closed once final (and finalErr) are set. Losers of the
	// finalize race wait on it and return the stored result.
	finalized chan struct{}
	final     *FinalResult
	finalErr  error
}

// snapshotAudio returns a copy of the accumulated PCM and the current chunk
// count.
func (s *session) snapshotAudio() ([]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pcm...), s.chunks
}
