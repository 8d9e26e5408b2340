package commsutil

import (
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"
)

const codecLogPrefix = "commsutil:codec"

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%s - empty payload", codecLogPrefix)
	}
	return json.Unmarshal(data, v)
}

// RespondJSON encodes v and replies to msg. Encoding and transport errors are logged.
func RespondJSON(msg *comms.Msg, v any) {
	data, err := EncodePayload(v)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response on %s: %v", codecLogPrefix, msg.Subject, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond on %s: %v", codecLogPrefix, msg.Subject, err))
	}
}
