package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/tokamak/kantan/internal/core/tracking"
)

// MessageDelimiter terminates every frame. Frames are not length-prefixed, and
// JSON text never contains a raw newline, so splitting on it is unambiguous.
const MessageDelimiter byte = '\n'

var heartbeat = []byte("{}\n")

// Heartbeat returns the probe frame: an empty object and the delimiter.
func Heartbeat() []byte {
	return bytes.Clone(heartbeat)
}

// EncodeFrame renders v as one JSON document followed by the delimiter. The
// frame is fully buffered so it can be handed to a transport in one write.
func EncodeFrame(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode appends '\n', which is exactly the delimiter.
	if err := enc.Encode(v); err != nil {
		return nil, NewProtocolError(ErrorCodeSerializationFailed, "failed to encode frame", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a frame (without its delimiter) as an update batch. A
// heartbeat decodes to an empty batch.
func DecodeFrame(frame []byte) (tracking.Updates, error) {
	var updates tracking.Updates
	if err := json.Unmarshal(frame, &updates); err != nil {
		return nil, NewProtocolError(ErrorCodeDeserializationFailed, "failed to decode frame", err)
	}
	return updates, nil
}

// IsHeartbeat reports whether frame is the probe object.
func IsHeartbeat(frame []byte) bool {
	return bytes.Equal(bytes.TrimSpace(frame), heartbeat[:2])
}

// FrameReader splits a byte stream into frames.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. maxSize <= 0 disables the frame size limit.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 64*1024), maxSize: maxSize}
}

// ReadFrame returns the next frame without its delimiter. A stream ending in
// the middle of a frame yields io.ErrUnexpectedEOF.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := f.r.ReadSlice(MessageDelimiter)
		frame = append(frame, chunk...)
		if f.maxSize > 0 && len(frame) > f.maxSize+1 {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			return frame[:len(frame)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(frame) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
