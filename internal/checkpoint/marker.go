package checkpoint

import (
	"encoding/json"
	"strings"

	kuraErrors "github.com/harunnryd/kura/internal/errors"
)

const DefaultMarkerPrefix = "::kura-checkpoint::"

type MarkerOp string

const (
	OpProgress MarkerOp = "progress"
	OpComplete MarkerOp = "complete"
	OpError    MarkerOp = "error"
)

// Marker is one structured record a script writes to stdout or stderr.
type Marker struct {
	Op         MarkerOp        `json:"op"`
	Stage      string          `json:"stage,omitempty"`
	Percentage float64         `json:"percentage,omitempty"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (m Marker) Terminal() bool {
	return m.Op == OpComplete || m.Op == OpError
}

// Codec finds markers in output lines. A marker is the prefix followed by a JSON
// object; anything before the prefix (timestamps, log decoration) is ignored.
type Codec struct {
	prefix string
}

func NewCodec(prefix string) Codec {
	if prefix == "" {
		prefix = DefaultMarkerPrefix
	}
	return Codec{prefix: prefix}
}

func (c Codec) Prefix() string {
	return c.prefix
}

// Decode reports ok=false for ordinary output lines.
func (c Codec) Decode(line string) (Marker, bool, error) {
	idx := strings.Index(line, c.prefix)
	if idx < 0 {
		return Marker{}, false, nil
	}

	payload := strings.TrimSpace(line[idx+len(c.prefix):])
	var m Marker
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Marker{}, true, kuraErrors.InvalidInput("malformed checkpoint marker: %v", err)
	}

	switch m.Op {
	case OpProgress, OpComplete, OpError:
	default:
		return Marker{}, true, kuraErrors.InvalidInput("unknown checkpoint marker op %q", m.Op)
	}

	if m.Percentage < 0 {
		m.Percentage = 0
	}
	if m.Percentage > 100 {
		m.Percentage = 100
	}
	return m, true, nil
}

func (c Codec) Encode(m Marker) string {
	raw, _ := json.Marshal(m)
	return c.prefix + string(raw)
}
