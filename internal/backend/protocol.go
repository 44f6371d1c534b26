package backend

// MessageType discriminates the worker protocol union. The JSON wire
// format is the one interface that must stay bit-exact across hosts
// that reuse an existing isolated-worker implementation.
type MessageType string

const (
	// Coordinator -> worker
	MsgInit        MessageType = "INIT"
	MsgExecute     MessageType = "EXECUTE"
	MsgLoadPackage MessageType = "LOAD_PACKAGE"
	MsgStop        MessageType = "STOP"

	// Worker -> coordinator
	MsgReady         MessageType = "READY"
	MsgOutput        MessageType = "OUTPUT"
	MsgResult        MessageType = "RESULT"
	MsgError         MessageType = "ERROR"
	MsgComplete      MessageType = "COMPLETE"
	MsgPackageLoaded MessageType = "PACKAGE_LOADED"
)

// WorkerConfig travels with INIT.
type WorkerConfig struct {
	// Placeholder replaces empty code so an empty editor runs an
	// innocuous statement instead of being rejected.
	Placeholder string `json:"placeholder,omitempty"`
}

// Message is the discriminated union exchanged with an isolated
// execution context. ExecutionID correlates async outbound messages
// to the request that spawned them; the coordinator must ignore
// messages whose ExecutionID does not match its tracked id.
type Message struct {
	Type        MessageType   `json:"type"`
	ExecutionID string        `json:"executionId,omitempty"`
	Code        string        `json:"code,omitempty"`
	TimeoutMs   int64         `json:"timeoutMs,omitempty"`
	Name        string        `json:"name,omitempty"`
	OutputType  string        `json:"outputType,omitempty"`
	Message     string        `json:"message,omitempty"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	Config      *WorkerConfig `json:"config,omitempty"`
}
