package protocol

import (
	"bytes"
	"io"
	"strconv"

	"capnp-lsp/src/internal/common"
	"capnp-lsp/src/internal/constants"
)

const (
	headerDelimiter     = "\r\n\r\n"
	contentLengthHeader = "Content-Length:"
)

// FrameReader incrementally extracts Content-Length framed payloads
// from a byte stream. It survives partial reads, multiple frames per
// read, and resynchronizes past header blocks without a parseable
// Content-Length.
type FrameReader struct {
	r     io.Reader
	buf   []byte
	start int // cursor: first unconsumed byte
	end   int // one past the last buffered byte
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:   r,
		buf: make([]byte, constants.FrameReadBufferSize),
	}
}

// Next returns the payload of the next complete frame, without its
// headers. It returns io.EOF once the underlying stream is exhausted;
// the caller treats that as shutdown.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		if payload, ok := fr.extractFrame(); ok {
			return payload, nil
		}

		fr.compact()
		if fr.end == len(fr.buf) {
			grown := make([]byte, len(fr.buf)*2)
			copy(grown, fr.buf[:fr.end])
			fr.buf = grown
		}

		n, err := fr.r.Read(fr.buf[fr.end:])
		fr.end += n
		if n == 0 && err != nil {
			if err == io.EOF && fr.start < fr.end {
				common.ServerLogger.Warn("Discarding %d trailing bytes without a complete frame", fr.end-fr.start)
			}
			return nil, err
		}
	}
}

// extractFrame attempts to parse one frame from the buffered bytes.
func (fr *FrameReader) extractFrame() ([]byte, bool) {
	for {
		window := fr.buf[fr.start:fr.end]
		delim := bytes.Index(window, []byte(headerDelimiter))
		if delim < 0 {
			return nil, false
		}

		header := window[:delim]
		bodyStart := delim + len(headerDelimiter)

		length, ok := parseContentLength(header)
		if !ok {
			// Resynchronize: skip the unparseable header block.
			common.ServerLogger.Error("Dropping header block without Content-Length")
			fr.start += bodyStart
			continue
		}

		if len(window)-bodyStart < length {
			return nil, false
		}

		payload := make([]byte, length)
		copy(payload, window[bodyStart:bodyStart+length])
		fr.start += bodyStart + length
		return payload, true
	}
}

// compact shifts pending bytes to the front once the cursor has moved
// past the halfway point of the buffer.
func (fr *FrameReader) compact() {
	if fr.start == 0 {
		return
	}
	if fr.start == fr.end {
		fr.start, fr.end = 0, 0
		return
	}
	if fr.start > len(fr.buf)/2 {
		copy(fr.buf, fr.buf[fr.start:fr.end])
		fr.end -= fr.start
		fr.start = 0
	}
}

// parseContentLength finds the Content-Length header within a header
// block. Other headers may precede or follow it and are ignored.
func parseContentLength(header []byte) (int, bool) {
	idx := bytes.Index(header, []byte(contentLengthHeader))
	if idx < 0 {
		return 0, false
	}
	rest := header[idx+len(contentLengthHeader):]
	if nl := bytes.IndexByte(rest, '\r'); nl >= 0 {
		rest = rest[:nl]
	}
	length, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}
