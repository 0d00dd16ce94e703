// Package events defines the event names and JSON payloads exchanged with
// the control server over the /agent namespace.
package events

import (
	"encoding/json"
	"time"
)

// Agent -> server.
const (
	Auth                 = "auth"
	Heartbeat            = "heartbeat"
	CommandResponse      = "command_response"
	ProcessList          = "process_list"
	FileTransferProgress = "file_transfer_progress"
	FileContent          = "file_content"
	DirectoryListing     = "directory_listing"
	Screenshot           = "screenshot"
	ScreenFrame          = "screen_frame"
	ActivityLog          = "activity_log"
	Clipboard            = "clipboard"
	TerminalOutput       = "terminal_output"
)

// Server -> agent.
const (
	AuthSuccess       = "auth_success"
	AuthError         = "auth_error"
	Command           = "command"
	StartScreenStream = "start_screen_stream"
	StopScreenStream  = "stop_screen_stream"
	CaptureScreenshot = "capture_screenshot"
	FileTransfer      = "file_transfer"
	ListDirectory     = "list_directory"

	// Handled by capture and input services outside this module; they are
	// dispatched as raw JSON.
	RemoteInput        = "remote_input"
	StartRemoteControl = "start_remote_control"
	StartTerminal      = "start_terminal"
	TerminalInput      = "terminal_input"
)

type AuthPayload struct {
	MachineID    string `json:"machineId"`
	Hostname     string `json:"hostname"`
	OSType       string `json:"osType"`
	OSVersion    string `json:"osVersion"`
	MACAddress   string `json:"macAddress"`
	IPAddress    string `json:"ipAddress"`
	AgentVersion string `json:"agentVersion"`
}

type HeartbeatPayload struct {
	CPUUsage      float64 `json:"cpuUsage"`
	MemoryUsage   float64 `json:"memoryUsage"`
	DiskUsage     float64 `json:"diskUsage"`
	ActiveWindow  string  `json:"activeWindow,omitempty"`
	ActiveProcess string  `json:"activeProcess,omitempty"`
	IsIdle        bool    `json:"isIdle"`
	IdleTime      uint64  `json:"idleTime"`
}

type CommandResponsePayload struct {
	CommandID string  `json:"commandId"`
	Success   bool    `json:"success"`
	Response  *string `json:"response,omitempty"`
	Error     *string `json:"error,omitempty"`
}

type ProcessInfo struct {
	ProcessName string  `json:"processName"`
	ProcessID   int32   `json:"processId"`
	Path        string  `json:"path"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage uint64  `json:"memoryUsage"`
	Username    string  `json:"username"`
	StartedAt   *int64  `json:"startedAt,omitempty"`
}

type ProcessListPayload struct {
	Processes []ProcessInfo `json:"processes"`
}

type FileTransferProgressPayload struct {
	TransferID       string `json:"transferId"`
	Progress         uint32 `json:"progress"`
	BytesTransferred uint64 `json:"bytesTransferred"`
}

type FileContentPayload struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileData   string `json:"fileData"`
	FileSize   uint64 `json:"fileSize"`
	// Checksum is the hex BLAKE3 digest of the file.
	Checksum string `json:"checksum,omitempty"`
	Error    string `json:"error,omitempty"`
}

type DirectoryEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	Size        uint64 `json:"size"`
	Modified    uint64 `json:"modified"`
}

type DirectoryListingPayload struct {
	Path    string           `json:"path"`
	Entries []DirectoryEntry `json:"entries"`
	Error   string           `json:"error,omitempty"`
}

// ServerConfig is the optional config block in auth_success. Intervals are
// milliseconds.
type ServerConfig struct {
	ScreenshotInterval  *uint64 `json:"screenshotInterval,omitempty"`
	ActivityLogInterval *uint64 `json:"activityLogInterval,omitempty"`
	KeystrokeBufferSize *int    `json:"keystrokeBufferSize,omitempty"`
	HeartbeatInterval   *uint64 `json:"heartbeatInterval,omitempty"`
}

type AuthSuccessPayload struct {
	ComputerID string        `json:"computerId"`
	Config     *ServerConfig `json:"config,omitempty"`
}

type AuthErrorPayload struct {
	Message string `json:"message"`
}

// CommandPayload is a server command. Services match on Command and decode
// Payload themselves.
type CommandPayload struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type StartScreenStreamPayload struct {
	Quality uint32 `json:"quality"`
	FPS     uint32 `json:"fps"`
}

type FileTransferPayload struct {
	TransferID string  `json:"transferId"`
	Direction  string  `json:"direction"`
	RemotePath string  `json:"remotePath"`
	FileData   *string `json:"fileData,omitempty"`
	Checksum   *string `json:"checksum,omitempty"`
}

type ListDirectoryPayload struct {
	Path string `json:"path"`
}

// Empty is the payload of events that carry no data.
type Empty struct{}

// Timestamp returns the current time in Unix milliseconds, the unit every
// timestamp on the wire uses.
func Timestamp() int64 {
	return time.Now().UnixMilli()
}
