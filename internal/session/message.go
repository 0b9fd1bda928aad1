package session

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mohsin-356/callbot/internal/protocol"
)

// ControlKind tags the outcome of parsing one inbound text frame. A frame is
// either a plain control word, an init directive, or noise to be ignored.
type ControlKind int

const (
	ControlUnknown ControlKind = iota
	ControlWord
	ControlInit
)

// Control is the parsed form of a client text frame.
type Control struct {
	Kind ControlKind
	Word string
	Init protocol.InitMessage
}

// ParseControl classifies one text frame in a single pass. JSON objects with
// type "init" become init directives; the bare words stop/final/close (case
// insensitive) request finalization; everything else is unrecognized.
func ParseControl(data []byte) Control {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var msg protocol.InitMessage
		if err := json.Unmarshal(trimmed, &msg); err == nil && strings.EqualFold(msg.Type, "init") {
			return Control{Kind: ControlInit, Init: msg}
		}
		return Control{Kind: ControlUnknown}
	}
	word := strings.ToLower(string(trimmed))
	switch word {
	case "stop", "final", "close":
		return Control{Kind: ControlWord, Word: word}
	}
	return Control{Kind: ControlUnknown}
}
