package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pulsetrail/internal/types"

	"github.com/goccy/go-json"
)

const (
	// lengthPrefixSize is the size of the big-endian frame length prefix
	lengthPrefixSize = 4

	// MaxFrameSize bounds a single frame. Request/response bodies ride in
	// frames, so the cap is generous.
	MaxFrameSize = 8 << 20
)

var (
	// ErrMalformedEvent marks a frame that could not be decoded or failed
	// validation. The frame is skipped; the connection stays open.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrFrameTooLarge marks a frame whose declared length exceeds
	// MaxFrameSize. ReadFrame discards the payload so the stream stays
	// aligned; the frame is skipped and the connection stays open.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ReadFrame reads one length-prefixed frame. A partial frame is never
// returned: the read either completes or fails with the underlying error.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrMalformedEvent)
	}
	if length > MaxFrameSize {
		// The prefix is intact, so consume the oversized payload and leave
		// the reader positioned at the next frame
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// EncodeEvent serializes an event into a frame payload
func EncodeEvent(event *types.Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent deserializes a frame payload into an event
func DecodeEvent(payload []byte) (*types.Event, error) {
	event := &types.Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return event, nil
}
