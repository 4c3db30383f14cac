package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAuth ReasonCode = "auth"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTClosed  ReasonCode = "stt_closed"
	ReasonSTTRemote  ReasonCode = "stt_remote"

	ReasonAnalysis        ReasonCode = "analysis"
	ReasonToneRateLimit   ReasonCode = "tone_rate_limit"
	ReasonToneCircuitOpen ReasonCode = "tone_circuit_open"

	ReasonControlDecode     ReasonCode = "control_decode"
	ReasonWebhookDecode     ReasonCode = "webhook_decode"
	ReasonTransportUpgrade  ReasonCode = "transport_upgrade"
	ReasonTransportOverflow ReasonCode = "transport_overflow"
)
