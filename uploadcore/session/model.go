package session

import (
	"time"
)

// Upload session statuses. A session only ever moves uploading -> one of the
// terminal statuses; a terminal status never changes again.
const (
	StatusUploading = "uploading"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// IsTerminal reports whether status allows no further transition.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// UploadSession is the durable record of one chunked transfer. FileHash and
// FileSize are the client's declaration; the merge step must match them.
type UploadSession struct {
	ID             int64     `gorm:"column:id;primaryKey"`
	FileID         string    `gorm:"column:file_id;size:128;uniqueIndex;not null"`
	Filename       string    `gorm:"column:filename;size:512;not null"`
	TotalChunks    int       `gorm:"column:total_chunks;not null"`
	FileSize       int64     `gorm:"column:file_size;not null"`
	FileHash       string    `gorm:"column:file_hash;size:64;not null"`
	OwnerID        string    `gorm:"column:owner_id;size:128;index"`
	UploadedChunks int       `gorm:"column:uploaded_chunks;not null;default:0"`
	Status         string    `gorm:"column:status;size:16;not null;default:uploading"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (UploadSession) TableName() string {
	return "upload_sessions"
}

// SessionChunk is one row of the per-chunk completion bitmap.
type SessionChunk struct {
	ID         int64     `gorm:"column:id;primaryKey"`
	FileID     string    `gorm:"column:file_id;size:128;uniqueIndex:idx_session_chunk;not null"`
	ChunkIndex int       `gorm:"column:chunk_index;uniqueIndex:idx_session_chunk;not null"`
	SizeBytes  int64     `gorm:"column:size_bytes;not null"`
	Digest     string    `gorm:"column:digest;size:64;not null"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (SessionChunk) TableName() string {
	return "session_chunks"
}
