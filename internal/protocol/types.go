package protocol

// Engine commands. Each is passed as argv[0] (after the entry script in script
// mode) followed by positional string parameters.
const (
	CmdValidateURL   = "validate_url"   // <url>
	CmdGetSettings   = "get_settings"   //
	CmdSaveSettings  = "save_settings"  // <path>
	CmdDownloadAudio = "download_audio" // <url> <output_dir> <format> <quality>
	CmdSeparateAudio = "separate_audio" // <input_path> <format> <output_dir>
)

// Line markers on the engine's streams.
const (
	// ProgressMarker prefixes a stderr line carrying a single-line JSON progress object.
	ProgressMarker = "PROGRESS: "
	// ResultMarker prefixes a stdout line carrying the result object.
	ResultMarker = "RESULT: "
)

// DefaultProgressStatus is used when a progress payload has no usable status.
const DefaultProgressStatus = "downloading"

// Progress is the sanitized progress payload forwarded to observers.
type Progress struct {
	Status  string  `json:"status"` // downloading | converting | separating | ...
	Percent float64 `json:"percent"`
	Speed   float64 `json:"speed"`
	ETA     float64 `json:"eta"`
}

// Files lists the stems produced by a separation.
type Files struct {
	Vocals       string `json:"vocals"`
	Instrumental string `json:"instrumental"`
}

// BoundaryResult is the uniform result shape returned to callers for every
// engine operation, whatever the outcome.
type BoundaryResult struct {
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
	Cancelled    bool    `json:"cancelled,omitempty"`
	Title        string  `json:"title,omitempty"`
	Path         string  `json:"path,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Uploader     string  `json:"uploader,omitempty"`
	DownloadPath string  `json:"download_path,omitempty"`
	Directory    string  `json:"directory,omitempty"`
	Files        *Files  `json:"files,omitempty"`
	JobID        string  `json:"job_id,omitempty"`
}

// Failure builds an unsuccessful result with msg as the error.
func Failure(msg string) BoundaryResult {
	return BoundaryResult{Success: false, Error: msg}
}
