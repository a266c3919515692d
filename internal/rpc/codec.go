package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrEmptyFrame is returned when a frame carries no payload.
	ErrEmptyFrame = errors.New("rpc: empty frame")
)

// Encode packs a message into the protobuf frame sent over the stream.
func Encode(msg any) (*wrapperspb.BytesValue, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %T: %w", msg, err)
	}
	return wrapperspb.Bytes(payload), nil
}

// Decode unpacks a frame into out.
func Decode(frame *wrapperspb.BytesValue, out any) error {
	if frame == nil || len(frame.GetValue()) == 0 {
		return ErrEmptyFrame
	}
	if err := json.Unmarshal(frame.GetValue(), out); err != nil {
		return fmt.Errorf("rpc: decode %T: %w", out, err)
	}
	return nil
}
