// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// DefaultMaxLineSize is the default ceiling for a single SSE line (16MB).
// Overlay frames echo the submitted photo as base64 on one data line.
const DefaultMaxLineSize = 16 << 20

// ErrLineTooLong is returned when a line exceeds the reader's limit.
var ErrLineTooLong = errors.New("sse line exceeds maximum size")

// =============================================================================
// SSE READER
// =============================================================================

// Frame is one complete SSE frame: an event name plus its data.
type Frame struct {
	Name string
	Data string
}

// SSEReader parses Server-Sent Events from a stream.
//
// Only frames that carry both an event name and at least one data line are
// returned. A frame missing either half is discarded at its blank-line
// terminator. Multiple data lines in one frame are joined with "\n".
type SSEReader struct {
	scanner *bufio.Scanner
	maxLine int

	// Discarded counts half frames dropped at a terminator.
	Discarded int
}

// NewSSEReader creates a new SSE reader with DefaultMaxLineSize.
func NewSSEReader(r io.Reader) *SSEReader {
	return NewSSEReaderSize(r, DefaultMaxLineSize)
}

// NewSSEReaderSize creates a reader that rejects lines longer than maxLine
// bytes. A non-positive maxLine uses DefaultMaxLineSize.
func NewSSEReaderSize(r io.Reader, maxLine int) *SSEReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLine)
	return &SSEReader{scanner: scanner, maxLine: maxLine}
}

// ReadFrame reads the next complete frame from the stream.
// Returns io.EOF when the stream ends. A complete frame still buffered at
// EOF without a trailing blank line is returned before io.EOF.
func (s *SSEReader) ReadFrame() (Frame, error) {
	var name string
	var hasName bool
	var dataLines []string

	take := func() (Frame, bool) {
		complete := hasName && len(dataLines) > 0
		if !complete && (hasName || len(dataLines) > 0) {
			s.Discarded++
		}
		frame := Frame{Name: name, Data: strings.Join(dataLines, "\n")}
		name, hasName, dataLines = "", false, nil
		return frame, complete
	}

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		// Empty line terminates the frame
		if len(line) == 0 {
			if frame, ok := take(); ok {
				return frame, nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
			hasName = name != ""
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[len("data:"):]
			// A single leading space belongs to the framing, not the payload
			data = bytes.TrimPrefix(data, []byte(" "))
			dataLines = append(dataLines, string(data))
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Frame{}, fmt.Errorf("%w (%d bytes)", ErrLineTooLong, s.maxLine)
		}
		return Frame{}, err
	}

	// Flush a complete trailing frame at EOF
	if frame, ok := take(); ok {
		return frame, nil
	}
	return Frame{}, io.EOF
}
