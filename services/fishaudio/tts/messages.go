package fishaudio

// Outbound websocket events. The duplex protocol is JSON text frames from
// the client and a mix of binary audio frames and JSON status frames from
// the server.

type startEvent struct {
	Event   string       `json:"event"`
	Request startRequest `json:"request"`
}

type startRequest struct {
	Model       string  `json:"model"`
	ReferenceID string  `json:"reference_id,omitempty"`
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	Latency     string  `json:"latency,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type textEvent struct {
	Event string `json:"event"`
	Text  string `json:"text"`
}

type controlEvent struct {
	Event string `json:"event"`
}

// serverEvent is any JSON frame from the server. Binary frames are raw
// audio and never reach this type.
type serverEvent struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
}
