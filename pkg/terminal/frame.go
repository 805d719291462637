package terminal

import "encoding/json"

// Frame types recognized on the wire, in both directions.
const (
	TypeConnected    = "connected"
	TypeOutput       = "output"
	TypeError        = "error"
	TypeInitComplete = "initComplete"
	TypeInput        = "input"
	TypeResize       = "resize"
	TypeInit         = "init"
)

// serverFrame is the envelope for every server-to-client message.
type serverFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

func connectedFrame(sessionID string) []byte {
	b, _ := json.Marshal(serverFrame{Type: TypeConnected, SessionID: sessionID})
	return b
}

func outputFrame(data string) []byte {
	b, _ := json.Marshal(serverFrame{Type: TypeOutput, Data: data})
	return b
}

func errorFrame(message string) []byte {
	b, _ := json.Marshal(serverFrame{Type: TypeError, Message: message})
	return b
}

func initCompleteFrame(success bool, errMsg string) []byte {
	b, _ := json.Marshal(serverFrame{Type: TypeInitComplete, Success: &success, Error: errMsg})
	return b
}

// clientFrame is the envelope inbound frames are parsed into. Fields not
// relevant to Type are left zero.
type clientFrame struct {
	Type      string   `json:"type"`
	Data      string   `json:"data,omitempty"`
	Cols      int      `json:"cols,omitempty"`
	Rows      int      `json:"rows,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	TimeoutMs int      `json:"timeout,omitempty"`
	Silent    bool     `json:"silent,omitempty"`
}

// parseClientFrame parses raw into a tagged frame. Any payload that is not
// valid tagged JSON (wrong shape, not an object, missing/unknown type) is
// treated as raw input carrying the original bytes verbatim, per the
// "unknown inbound type is raw input" rule.
func parseClientFrame(raw []byte) clientFrame {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return clientFrame{Type: TypeInput, Data: string(raw)}
	}
	switch f.Type {
	case TypeInput, TypeResize, TypeInit:
		return f
	default:
		return clientFrame{Type: TypeInput, Data: string(raw)}
	}
}
