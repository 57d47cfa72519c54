package session

import (
	"context"
	"errors"
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/uploadcore/datastore"

	"github.com/koding/cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NotFound - operation referenced an unknown fileID.
const NotFound = "session_not_found"

var sessionCache cache.Cache

// InitCache sets up the TTL read cache in front of session lookups. Writes
// invalidate; a slightly stale read is acceptable for status reporting.
func InitCache(ttl time.Duration) {
	memory := cache.NewMemoryWithTTL(ttl)
	memory.StartGC(ttl)
	sessionCache = memory
}

func cachePut(s *UploadSession) {
	if sessionCache == nil {
		return
	}
	copied := *s
	sessionCache.Set(s.FileID, &copied) //nolint:errcheck
}

func cacheDelete(fileID string) {
	if sessionCache == nil {
		return
	}
	sessionCache.Delete(fileID) //nolint:errcheck
}

// CreateSession persists a new session record in status uploading.
func CreateSession(ctx context.Context, s *UploadSession) error {
	if s.FileID == "" || s.Filename == "" {
		return common.InvalidRequest("file id and filename are required")
	}
	if s.TotalChunks <= 0 {
		return common.InvalidRequest("total chunks must be positive")
	}
	s.Status = StatusUploading
	s.UploadedChunks = 0

	tx := datastore.GetStore().GetTransaction(ctx)
	if err := tx.Create(s).Error; err != nil {
		return common.NewErrorf("session_create_error", "creating session %s: %v", s.FileID, err)
	}

	// the cache fills on read; writing it here would outlive a failed commit
	return nil
}

// GetSession returns the session record for fileID, consulting the cache
// before the database.
func GetSession(ctx context.Context, fileID string) (*UploadSession, error) {
	if sessionCache != nil {
		if cached, err := sessionCache.Get(fileID); err == nil {
			if s, ok := cached.(*UploadSession); ok {
				copied := *s
				return &copied, nil
			}
		}
	}

	tx := datastore.GetStore().GetTransaction(ctx)

	var s UploadSession
	if err := tx.Where("file_id = ?", fileID).Take(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewErrorfWithStatusCode(404, NotFound, "unknown upload session %s", fileID)
		}
		return nil, common.NewErrorf("session_read_error", "loading session %s: %v", fileID, err)
	}

	cachePut(&s)
	return &s, nil
}

// MarkChunkUploaded records chunkIndex in the completion bitmap. Re-marking
// an already recorded chunk is a no-op, so client retries stay idempotent.
func MarkChunkUploaded(ctx context.Context, fileID string, chunkIndex int, sizeBytes int64, digest string) error {
	tx := datastore.GetStore().GetTransaction(ctx)

	chunk := SessionChunk{
		FileID:     fileID,
		ChunkIndex: chunkIndex,
		SizeBytes:  sizeBytes,
		Digest:     digest,
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk).Error
	if err != nil {
		return common.NewErrorf("chunk_mark_error",
			"marking chunk %d of %s: %v", chunkIndex, fileID, err)
	}
	return nil
}

// GetUploadedChunkNumbers reads the completion bitmap, ascending.
func GetUploadedChunkNumbers(ctx context.Context, fileID string) ([]int, error) {
	tx := datastore.GetStore().GetTransaction(ctx)

	var indices []int
	err := tx.Model(&SessionChunk{}).
		Where("file_id = ?", fileID).
		Order("chunk_index asc").
		Pluck("chunk_index", &indices).Error
	if err != nil {
		return nil, common.NewErrorf("chunk_list_error", "listing chunks of %s: %v", fileID, err)
	}
	return indices, nil
}

// UpdateProgress stores the uploaded count and, when status is non-empty,
// transitions the session. Terminal statuses never change again: a late
// failure report cannot resurrect or reclassify a finished session.
func UpdateProgress(ctx context.Context, fileID string, uploadedCount int, status string) error {
	if status != "" && status != StatusUploading && !IsTerminal(status) {
		return common.InvalidRequest("unknown session status " + status)
	}

	tx := datastore.GetStore().GetTransaction(ctx)

	var s UploadSession
	if err := tx.Where("file_id = ?", fileID).Take(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.NewErrorfWithStatusCode(404, NotFound, "unknown upload session %s", fileID)
		}
		return common.NewErrorf("session_read_error", "loading session %s: %v", fileID, err)
	}

	updates := map[string]interface{}{"uploaded_chunks": uploadedCount}
	if status != "" && status != s.Status {
		if IsTerminal(s.Status) {
			return common.NewErrorf("status_conflict",
				"session %s is already %s", fileID, s.Status)
		}
		updates["status"] = status
	}

	if err := tx.Model(&UploadSession{}).Where("file_id = ?", fileID).Updates(updates).Error; err != nil {
		return common.NewErrorf("session_update_error", "updating session %s: %v", fileID, err)
	}

	cacheDelete(fileID)
	return nil
}
