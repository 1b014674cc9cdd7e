package events

// Event type constants for kelindar/event.
const (
	TypeCaptureStarted uint32 = iota + 1
	TypeCaptureStopped
	TypeBufferDone
	TypeDMAError
	TypeDMATimeout
	TypeFirmwareReset
	TypeEndOfStream
	TypeStreamStats
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// CaptureStartedEvent is published once BEGIN_CAPTURE succeeded for a stream.
type CaptureStartedEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Stream    string `json:"stream" example:"mpg" doc:"Stream type"`
	Owner     int64  `json:"owner" example:"1" doc:"Claiming owner id"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureStartedEvent.
func (e CaptureStartedEvent) Type() uint32 { return TypeCaptureStarted }

// DeviceName returns the device the event belongs to.
func (e CaptureStartedEvent) DeviceName() string { return e.Device }

// CaptureStoppedEvent is published when a stream stops capturing.
type CaptureStoppedEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Stream    string `json:"stream" example:"mpg" doc:"Stream type"`
	Forced    bool   `json:"forced" doc:"Whether the pending transfer had to be force-finished"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureStoppedEvent.
func (e CaptureStoppedEvent) Type() uint32 { return TypeCaptureStopped }

func (e CaptureStoppedEvent) DeviceName() string { return e.Device }

// BufferDoneEvent is published for every finished buffer, successful or not.
type BufferDoneEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Stream    string `json:"stream" example:"mpg" doc:"Stream type"`
	Index     int    `json:"index" doc:"Buffer index"`
	RequestID uint64 `json:"request_id" doc:"DMA request id of the transfer"`
	Bytes     int    `json:"bytes" doc:"Payload bytes delivered"`
	PTS       uint64 `json:"pts" doc:"Presentation timestamp"`
	Failed    bool   `json:"failed" doc:"Whether the buffer ended in error"`
	Error     string `json:"error,omitempty" doc:"Failure reason"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for BufferDoneEvent.
func (e BufferDoneEvent) Type() uint32 { return TypeBufferDone }

func (e BufferDoneEvent) DeviceName() string { return e.Device }

// DMAErrorEvent reports a failed or lost transfer.
type DMAErrorEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Stream    string `json:"stream,omitempty" example:"yuv" doc:"Stream type when known"`
	Status    uint32 `json:"status" doc:"DMA status word"`
	Reason    string `json:"reason" example:"transfer" doc:"transfer, dropped, spurious or schedule"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DMAErrorEvent.
func (e DMAErrorEvent) Type() uint32 { return TypeDMAError }

func (e DMAErrorEvent) DeviceName() string { return e.Device }

// DMATimeoutEvent is published when a transfer did not complete in time.
type DMATimeoutEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Stream    string `json:"stream" example:"mpg" doc:"Stream type"`
	RequestID uint64 `json:"request_id" doc:"DMA request id of the transfer"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DMATimeoutEvent.
func (e DMATimeoutEvent) Type() uint32 { return TypeDMATimeout }

func (e DMATimeoutEvent) DeviceName() string { return e.Device }

// FirmwareResetEvent reports the outcome of a reset attempt.
type FirmwareResetEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Mode      string `json:"mode" example:"full" doc:"quick, soft or full"`
	Forced    bool   `json:"forced" doc:"Whether the liveness check was skipped"`
	Outcome   string `json:"outcome" example:"ok" doc:"ok, alive, failed, exhausted or fatal"`
	Failures  int    `json:"failures" doc:"Consecutive failed restarts"`
	Error     string `json:"error,omitempty" doc:"Failure reason"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FirmwareResetEvent.
func (e FirmwareResetEvent) Type() uint32 { return TypeFirmwareReset }

func (e FirmwareResetEvent) DeviceName() string { return e.Device }

// EndOfStreamEvent is published when the encoder signals end of stream.
type EndOfStreamEvent struct {
	Device    string `json:"device" example:"cx0" doc:"Device name"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for EndOfStreamEvent.
func (e EndOfStreamEvent) Type() uint32 { return TypeEndOfStream }

func (e EndOfStreamEvent) DeviceName() string { return e.Device }

// StreamStatsEvent carries running transfer totals of a stream.
type StreamStatsEvent struct {
	EventType string `json:"type"`
	Device    string `json:"device"`
	Stream    string `json:"stream"`
	Transfers string `json:"transfers"`
	Bytes     string `json:"bytes"`
	Dropped   string `json:"dropped"`
	Queued    string `json:"queued"`
}

// Type returns the event type identifier for StreamStatsEvent.
func (e StreamStatsEvent) Type() uint32 { return TypeStreamStats }

func (e StreamStatsEvent) DeviceName() string { return e.Device }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"dma" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
