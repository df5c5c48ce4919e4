package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

type textControl struct {
	Type string `json:"type"`
}

// DecodeText accepts the JSON control messages older clients send over text
// frames, e.g. {"type":"start_demo"}. Only client-to-server types are valid.
func DecodeText(b []byte) (Message, error) {
	var in textControl
	if err := json.Unmarshal(b, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case "start_demo", "startdemo":
		return Control(TypeStartDemo), nil
	case "stop_demo", "stopdemo":
		return Control(TypeStopDemo), nil
	case "ping":
		return Control(TypePing), nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
}
