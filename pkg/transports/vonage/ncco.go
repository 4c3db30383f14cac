package vonage

import "strings"

// Action is one NCCO instruction.
type Action struct {
	Action   string     `json:"action"`
	EventURL []string   `json:"eventUrl,omitempty"`
	From     string     `json:"from,omitempty"`
	Endpoint []Endpoint `json:"endpoint,omitempty"`
}

type Endpoint struct {
	Type        string            `json:"type"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content-type"`
	Headers     map[string]string `json:"headers"`
}

// BuildNCCO records the call and connects its audio to the relay socket.
func BuildNCCO(serverURL, from, recordingsPath, socketPath, contentType string) []Action {
	base := strings.TrimRight(serverURL, "/")
	return []Action{
		{
			Action:   "record",
			EventURL: []string{base + recordingsPath},
		},
		{
			Action:   "connect",
			EventURL: []string{base},
			From:     from,
			Endpoint: []Endpoint{{
				Type:        "websocket",
				URI:         base + socketPath,
				ContentType: contentType,
				Headers:     map[string]string{},
			}},
		},
	}
}

// CallEvent is the body of a call status webhook.
type CallEvent struct {
	To               string `json:"to"`
	From             string `json:"from"`
	Status           string `json:"status"`
	UUID             string `json:"uuid"`
	ConversationUUID string `json:"conversation_uuid"`
}

// RecordingEvent is the body of a recording-ready webhook.
type RecordingEvent struct {
	ConversationUUID string `json:"conversation_uuid"`
	RecordingUUID    string `json:"recording_uuid"`
	RecordingURL     string `json:"recording_url"`
	Size             int64  `json:"size"`
}
