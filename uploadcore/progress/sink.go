package progress

// Event types pushed to observers over the lifetime of an upload.
const (
	EventUploadStarted   = "upload_started"
	EventChunkStarted    = "chunk_started"
	EventChunkCompleted  = "chunk_completed"
	EventChunkFailed     = "chunk_failed"
	EventMergeStarted    = "merge_started"
	EventUploadCompleted = "upload_completed"
	EventUploadError     = "upload_error"
)

// Event is one progress notification. Fields irrelevant to a given event
// type are omitted from the encoded payload.
type Event struct {
	Type           string  `json:"type"`
	FileID         string  `json:"file_id"`
	Filename       string  `json:"filename,omitempty"`
	ChunkIndex     int     `json:"chunk_index,omitempty"`
	ChunkSize      int     `json:"chunk_size,omitempty"`
	UploadedChunks int     `json:"uploaded_chunks,omitempty"`
	TotalChunks    int     `json:"total_chunks,omitempty"`
	Progress       float64 `json:"progress,omitempty"`
	// RecommendedChunkSize is the monitor's advice for the next round.
	RecommendedChunkSize int    `json:"recommended_chunk_size,omitempty"`
	NetworkStable        bool   `json:"network_stable,omitempty"`
	FinalPath            string `json:"final_path,omitempty"`
	Error                string `json:"error,omitempty"`
}

// Sink receives progress notifications. Implementations are fire-and-forget:
// they must never block their caller on delivery and never return delivery
// failures; a lost notification must not affect the upload itself.
type Sink interface {
	Notify(fileID string, event Event)
	NotifyError(fileID, message string)
	NotifyCompletion(fileID, finalPath string)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) Notify(string, Event)            {}
func (NopSink) NotifyError(string, string)      {}
func (NopSink) NotifyCompletion(string, string) {}
