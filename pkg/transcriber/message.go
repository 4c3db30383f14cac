package transcriber

import (
	"encoding/json"
	"fmt"
)

// RecognitionEvent is one message from the recognizer.
type RecognitionEvent struct {
	ResultIndex int      `json:"result_index"`
	Results     []Result `json:"results,omitempty"`
	State       string   `json:"state,omitempty"`
	Error       string   `json:"error,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

type Result struct {
	Final        bool          `json:"final"`
	Alternatives []Alternative `json:"alternatives"`
}

type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Transcript returns the first alternative of the first result.
func (e RecognitionEvent) Transcript() (text string, final bool, ok bool) {
	if len(e.Results) == 0 || len(e.Results[0].Alternatives) == 0 {
		return "", false, false
	}
	r := e.Results[0]
	return r.Alternatives[0].Transcript, r.Final, true
}

var stopMessage = []byte(`{"action":"stop"}`)

// MergeStart turns caller options into a start message. action, continuous and
// interim_results are always overwritten with "start", true and true; any
// caller value for them is discarded. Every other field keeps its JSON value.
func MergeStart(options map[string]json.RawMessage) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(options)+3)
	for k, v := range options {
		if !json.Valid(v) {
			return nil, fmt.Errorf("transcriber: option %q is not valid json", k)
		}
		out[k] = v
	}
	out["action"] = json.RawMessage(`"start"`)
	out["continuous"] = json.RawMessage(`true`)
	out["interim_results"] = json.RawMessage(`true`)
	return json.Marshal(out)
}
