package events

import (
	"encoding/json"
	"fmt"
)

// Decoder turns a raw event argument into its typed payload.
type Decoder func(raw json.RawMessage) (any, error)

// Decoders maps each incoming event name to the shape its payload is
// decoded into before dispatch.
var Decoders = map[string]Decoder{
	AuthSuccess:       decodeAs[AuthSuccessPayload],
	AuthError:         decodeAs[AuthErrorPayload],
	Command:           decodeAs[CommandPayload],
	StartScreenStream: decodeAs[StartScreenStreamPayload],
	StopScreenStream:  ignorePayload,
	CaptureScreenshot: ignorePayload,
	FileTransfer:      decodeAs[FileTransferPayload],
	ListDirectory:     decodeAs[ListDirectoryPayload],
}

// Decode decodes raw for event name. Events without a registered shape are
// passed through as json.RawMessage.
func Decode(name string, raw json.RawMessage) (any, error) {
	dec, ok := Decoders[name]
	if !ok {
		return raw, nil
	}
	v, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", name, err)
	}
	return v, nil
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func ignorePayload(json.RawMessage) (any, error) {
	return Empty{}, nil
}
