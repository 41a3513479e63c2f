package events

import (
	json "github.com/goccy/go-json"
)

// envelope is the wire form exchanged with the message service. Publisher
// carries the channel instance identity so a node can discard its own frames
// when the service echoes them back.
type envelope struct {
	ID        string `json:"id"`
	Publisher string `json:"publisher"`
	Channel   string `json:"channel"`
	Name      string `json:"name"`
	Payload   any    `json:"payload,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
