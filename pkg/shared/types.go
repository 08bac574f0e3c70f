package shared

const (
	TaskTypeUpload   = "transfer:upload"
	TaskTypeDownload = "transfer:download"
	TaskTypeRefresh  = "transfer:refresh"
)

// UploadPayload asks the daemon to upload local paths into TargetDir. SessionID is empty
// for a local destination.
type UploadPayload struct {
	BatchID      string   `json:"batch_id"`
	ConnectionID string   `json:"connection_id"`
	SessionID    string   `json:"session_id,omitempty"`
	TargetDir    string   `json:"target_dir"`
	Paths        []string `json:"paths"`
}

type DownloadPayload struct {
	BatchID      string `json:"batch_id"`
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id"`
	RemotePath   string `json:"remote_path"`
	LocalPath    string `json:"local_path"`
	FileName     string `json:"file_name,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

type RefreshPayload struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	Dir          string `json:"dir"`
}

// IsLocal reports whether the upload lands on the daemon's own filesystem.
func (p UploadPayload) IsLocal() bool {
	return p.SessionID == ""
}
