package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"capnp-lsp/src/internal/common"
)

// FrameWriter serializes outbound messages as Content-Length framed
// payloads. Writes are serialized in FIFO order; a failed write is
// logged, never fatal, since the editor may simply have disconnected.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a FrameWriter over w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage marshals msg and writes it as a single frame.
func (fw *FrameWriter) WriteMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return fw.WritePayload(data)
}

// WritePayload writes one already-serialized payload. The header and
// body go out in a single Write call so concurrent frames never
// interleave.
func (fw *FrameWriter) WritePayload(payload []byte) error {
	frame := fmt.Sprintf("Content-Length: %d%s%s", len(payload), headerDelimiter, payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write([]byte(frame)); err != nil {
		common.ServerLogger.Error("Failed to write frame: %v", err)
		return err
	}
	return nil
}
