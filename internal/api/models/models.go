package models

import (
	"github.com/smazurov/cxcap/internal/device"
	"github.com/smazurov/cxcap/internal/logging"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Devices int    `json:"devices" example:"1" doc:"Number of probed devices"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"build-123" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go version used to build"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Device models
type DeviceInput struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
}

type DeviceListData struct {
	Devices []device.Info `json:"devices" doc:"Probed devices"`
	Count   int           `json:"count" example:"1" doc:"Number of devices"`
}

type DeviceListResponse struct {
	Body DeviceListData
}

type DeviceData struct {
	device.Info
	Codec device.Codec `json:"codec" doc:"Encoder parameters sent on the next first capture"`
}

type DeviceResponse struct {
	Body DeviceData
}

// Stream models
type StreamListData struct {
	Device  string                `json:"device" example:"cx0" doc:"Device name"`
	Streams []device.StreamStatus `json:"streams" doc:"Per-stream state"`
}

type StreamListResponse struct {
	Body StreamListData
}

type StreamInput struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
	Stream string `path:"stream" example:"mpg" doc:"Stream type" enum:"mpg,yuv,pcm,vbi,rad"`
}

type StreamResponse struct {
	Body device.StreamStatus
}

// Capture models
type CaptureRequestData struct {
	Owner      int64 `json:"owner" minimum:"0" example:"1" doc:"Claiming owner id"`
	Buffers    int   `json:"buffers,omitempty" minimum:"1" maximum:"64" example:"4" doc:"Host buffers to queue, default 4"`
	BufferSize int   `json:"buffer_size,omitempty" minimum:"4096" example:"65536" doc:"Bytes per buffer, default 65536"`
}

type CaptureRequest struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
	Stream string `path:"stream" example:"mpg" doc:"Stream type" enum:"mpg,yuv,pcm,vbi"`
	Body   CaptureRequestData
}

type CaptureStopRequest struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
	Stream string `path:"stream" example:"mpg" doc:"Stream type" enum:"mpg,yuv,pcm,vbi"`
	Owner  int64  `query:"owner" minimum:"0" example:"1" doc:"Claiming owner id"`
}

type CaptureData struct {
	Device  string `json:"device" example:"cx0" doc:"Device name"`
	Stream  string `json:"stream" example:"mpg" doc:"Stream type"`
	Owner   int64  `json:"owner" example:"1" doc:"Claiming owner id"`
	Buffers int    `json:"buffers" example:"4" doc:"Host buffers held by the capture"`
	Message string `json:"message" example:"Capture started" doc:"Status message"`
}

type CaptureResponse struct {
	Body CaptureData
}

// Buffer read models
type ReadRequest struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
	Stream string `path:"stream" example:"mpg" doc:"Stream type" enum:"mpg,yuv,pcm,vbi"`
	Owner  int64  `query:"owner" minimum:"0" example:"1" doc:"Claiming owner id"`
}

type ReadResponse struct {
	Status      int
	ContentType string `header:"Content-Type"`
	Sequence    string `header:"X-Sequence" doc:"Buffer sequence number"`
	PTS         string `header:"X-PTS" doc:"Presentation timestamp of the buffer"`
	Body        []byte
}

// Reset models
type ResetRequestData struct {
	Force bool   `json:"force,omitempty" doc:"Skip the liveness check"`
	Mode  string `json:"mode,omitempty" example:"full" doc:"quick, soft or full" enum:"quick,soft,full"`
}

type ResetRequest struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
	Body   ResetRequestData
}

type ResetResponse struct {
	Body DeviceData
}

// EventsInput filters the event stream.
type EventsInput struct {
	Device string `query:"device" example:"cx0" doc:"Only send events of this device"`
}

// Log models
type LogsInput struct {
	Module string `query:"module" example:"dma" doc:"Only entries from this module"`
	Level  string `query:"level" example:"warn" doc:"Only entries at this level"`
	Limit  int    `query:"limit" minimum:"0" example:"100" doc:"Most recent entries to return, 0 for all"`
}

type LogsData struct {
	Entries []logging.LogEntry `json:"entries" doc:"Log entries, oldest first"`
	Count   int                `json:"count" example:"100" doc:"Number of entries"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelRequestData struct {
	Module string `json:"module,omitempty" example:"dma" doc:"Module to change, empty for the global level"`
	Level  string `json:"level" example:"debug" doc:"New level" enum:"debug,info,warn,error"`
}

type LogLevelRequest struct {
	Body LogLevelRequestData
}

type LogLevelResponse struct {
	Body LogLevelRequestData
}

type LogLevelsData struct {
	Modules map[string]string `json:"modules" doc:"Effective level of every module logger"`
}

type LogLevelsResponse struct {
	Body LogLevelsData
}

// Codec models
type CodecRequest struct {
	Device string `path:"device" example:"cx0" doc:"Device name"`
	Body   device.Codec
}

type CodecResponse struct {
	Body device.Codec
}
