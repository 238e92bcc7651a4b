package domain

import "time"

type ProcessStatus string

const (
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessFailed   ProcessStatus = "failed"
	ProcessStopped  ProcessStatus = "stopped"
)

// DeviceSpec names the capture devices by enumeration index.
type DeviceSpec struct {
	Video int `json:"video"`
	Audio int `json:"audio"`
}

// StreamProcess is a snapshot of the supervised capture/encode process for a
// session. Exclusively owned by the supervisor; callers only ever see copies.
type StreamProcess struct {
	SessionCode SessionCode   `json:"session_code"`
	Devices     DeviceSpec    `json:"devices"`
	PID         int           `json:"pid,omitempty"`
	OutputDir   string        `json:"output_dir"`
	Status      ProcessStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	LastError   string        `json:"last_error,omitempty"`
}

type DeviceKind string

const (
	DeviceVideo DeviceKind = "video"
	DeviceAudio DeviceKind = "audio"
)

// DeviceDescriptor is one enumerated capture source. Never cached across
// enumeration calls since devices can appear and disappear.
type DeviceDescriptor struct {
	Index int        `json:"index"`
	Name  string     `json:"name"`
	Kind  DeviceKind `json:"kind"`
}
