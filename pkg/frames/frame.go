package frames

import (
	"encoding/json"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
)

type ControlCode string

const (
	ControlStart ControlCode = "start"
	ControlStop  ControlCode = "stop"
)

const (
	MetaSessionID   = "session_id"
	MetaSource      = "source"
	MetaIsFinal     = "is_final"
	MetaResultIndex = "result_index"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one inbound binary message exactly as received.
type AudioFrame struct {
	pts  int64
	data []byte
	meta map[string]string
}

func NewAudioFrame(sessionID string, pts int64, data []byte, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		meta: mergeMeta(sessionID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Len() int                { return len(a.data) }

// TextFrame carries either a raw inbound text message or a recognized transcript.
type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(sessionID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: mergeMeta(sessionID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

// IsFinal reports the recognizer's final flag, if the frame carries one.
func (t TextFrame) IsFinal() bool { return t.meta[MetaIsFinal] == "true" }

// ControlFrame is a decoded JSON control/options message. Options keeps each
// field's raw JSON so values pass through untouched.
type ControlFrame struct {
	pts     int64
	code    ControlCode
	options map[string]json.RawMessage
	meta    map[string]string
}

func NewControlFrame(sessionID string, pts int64, code ControlCode, options map[string]json.RawMessage, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:     pts,
		code:    code,
		options: cloneOptions(options),
		meta:    mergeMeta(sessionID, meta),
	}
}

func (c ControlFrame) Kind() Kind                          { return KindControl }
func (c ControlFrame) PTS() int64                          { return c.pts }
func (c ControlFrame) Meta() map[string]string             { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode                   { return c.code }
func (c ControlFrame) Options() map[string]json.RawMessage { return cloneOptions(c.options) }

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneOptions(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
