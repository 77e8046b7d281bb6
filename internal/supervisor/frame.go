package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Sentinel markers a worker prints around each JSON result payload. A single
// invocation may emit any number of frames; everything outside a marker pair
// is ordinary worker output and is ignored by the parser.
const (
	FrameStart = "---GROUPCLAW_RESULT_START---"
	FrameEnd   = "---GROUPCLAW_RESULT_END---"
)

const (
	// maxFrameBytes caps the bytes accumulated between a start and end
	// marker. The payload is held as a chunk list and joined only when the
	// end marker arrives, so scanning stays linear in the stream size.
	maxFrameBytes = 1 << 20
	maxLineBytes  = 256 * 1024
)

// Frame is one parsed worker result.
type Frame struct {
	Status       string `json:"status"`
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// OK reports whether the frame carries a successful result.
func (f Frame) OK() bool { return f.Status == "success" }

// frameScanner extracts sentinel-delimited frames from a worker's stdout.
type frameScanner struct {
	inFrame   bool
	oversized bool
	chunks    [][]byte
	size      int
}

// scanFrames reads r line by line until EOF, invoking emit for every
// complete marker pair. A frame that is not valid JSON, or that overflows
// the payload cap, is reported with a non-nil error and the scan continues.
func scanFrames(r io.Reader, emit func(Frame, error)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var fs frameScanner
	for sc.Scan() {
		fs.line(sc.Bytes(), emit)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan worker output: %w", err)
	}
	if fs.inFrame {
		emit(Frame{}, fmt.Errorf("stream ended inside a result frame"))
	}
	return nil
}

func (fs *frameScanner) line(raw []byte, emit func(Frame, error)) {
	line := strings.TrimSpace(string(raw))
	switch {
	case line == FrameStart:
		if fs.inFrame {
			emit(Frame{}, fmt.Errorf("nested start marker, frame discarded"))
		}
		fs.reset(true)
	case line == FrameEnd:
		if !fs.inFrame {
			return // stray end marker, worker noise
		}
		fs.finish(emit)
	case fs.inFrame:
		fs.append(raw)
	}
}

func (fs *frameScanner) append(raw []byte) {
	if fs.oversized {
		return
	}
	if fs.size+len(raw) > maxFrameBytes {
		fs.oversized = true
		fs.chunks = nil
		return
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	fs.chunks = append(fs.chunks, buf)
	fs.size += len(raw) + 1
}

func (fs *frameScanner) finish(emit func(Frame, error)) {
	defer fs.reset(false)
	if fs.oversized {
		emit(Frame{}, fmt.Errorf("frame payload exceeds %d bytes", maxFrameBytes))
		return
	}
	payload := bytes.Join(fs.chunks, []byte("\n"))
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		emit(Frame{}, fmt.Errorf("frame payload not valid JSON: %w", err))
		return
	}
	if frame.Status != "success" && frame.Status != "error" {
		emit(Frame{}, fmt.Errorf("frame has unknown status %q", frame.Status))
		return
	}
	emit(frame, nil)
}

func (fs *frameScanner) reset(inFrame bool) {
	fs.inFrame = inFrame
	fs.oversized = false
	fs.chunks = nil
	fs.size = 0
}
