package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/chunkstore"
	"github.com/filetide/filetide/uploadcore/config"
	"github.com/filetide/filetide/uploadcore/datastore"
	"github.com/filetide/filetide/uploadcore/progress"
	"github.com/filetide/filetide/uploadcore/session"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"
)

// maxChunkMemory bounds in-memory multipart parsing per request.
const maxChunkMemory = 32 << 20

// StartUploadHandler creates a new upload session and tells the client what
// chunk size to begin with.
//
// POST /v1/upload/start
func StartUploadHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	fileID := r.FormValue("file_id")
	if fileID == "" {
		fileID = shortuuid.New()
	}
	filename := r.FormValue("filename")

	totalChunks, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		return nil, common.InvalidRequest("total_chunks is not an integer")
	}
	fileSize, err := strconv.ParseInt(r.FormValue("file_size"), 10, 64)
	if err != nil {
		return nil, common.InvalidRequest("file_size is not an integer")
	}
	fileHash := r.FormValue("file_hash")
	if fileHash == "" {
		return nil, common.InvalidRequest("file_hash is required")
	}

	s := &session.UploadSession{
		FileID:      fileID,
		Filename:    filename,
		TotalChunks: totalChunks,
		FileSize:    fileSize,
		FileHash:    fileHash,
		OwnerID:     common.GetOwnerID(r),
	}

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return session.CreateSession(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	chunkSize := monitor.OptimalChunkSize()

	hub.Notify(fileID, progress.Event{
		Type:                 progress.EventUploadStarted,
		Filename:             filename,
		TotalChunks:          totalChunks,
		RecommendedChunkSize: chunkSize,
	})

	return map[string]interface{}{
		"status":     "started",
		"file_id":    fileID,
		"chunk_size": chunkSize,
	}, nil
}

// UploadChunkHandler accepts one chunk as multipart form data, verifies and
// persists it, and answers with fresh progress and sizing advice.
//
// POST /v1/upload/chunk
func UploadChunkHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		return nil, common.InvalidRequest("malformed multipart form: " + err.Error())
	}

	fileID := r.FormValue("file_id")
	chunkIndex, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		return nil, common.InvalidRequest("chunk_index is not an integer")
	}
	chunkHash := r.FormValue("chunk_hash")
	if chunkHash == "" {
		return nil, common.InvalidRequest("chunk_hash is required")
	}

	s, err := loadOwnedSession(fileID, r)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusUploading {
		return nil, common.NewErrorfWithStatusCode(409, "status_conflict",
			"upload %s is already %s", fileID, s.Status)
	}
	if chunkIndex < 0 || chunkIndex >= s.TotalChunks {
		return nil, common.InvalidRequest("chunk_index out of range")
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		return nil, common.InvalidRequest("chunk file field is missing")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, common.NewErrorf("chunk_read_error", "reading chunk body: %v", err)
	}
	if len(data) == 0 {
		return nil, common.InvalidRequest("empty chunk received")
	}

	hub.Notify(fileID, progress.Event{
		Type:       progress.EventChunkStarted,
		ChunkIndex: chunkIndex,
		ChunkSize:  len(data),
	})

	if err := chunkstore.GetStore().SaveChunk(ctx, fileID, chunkIndex, data, chunkHash); err != nil {
		// the store already told the monitor and the hub about hard
		// write failures; integrity mismatches surface here directly
		if common.ErrorCode(err) == chunkstore.IntegrityMismatch {
			hub.Notify(fileID, progress.Event{
				Type:       progress.EventChunkFailed,
				ChunkIndex: chunkIndex,
				Error:      err.Error(),
			})
		}
		return nil, err
	}

	uploaded, err := chunkstore.GetStore().ListUploadedChunks(fileID)
	if err != nil {
		return nil, err
	}

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		if err := session.MarkChunkUploaded(ctx, fileID, chunkIndex, int64(len(data)), chunkHash); err != nil {
			return err
		}
		return session.UpdateProgress(ctx, fileID, len(uploaded), "")
	})
	if err != nil {
		return nil, err
	}

	recommended := monitor.OptimalChunkSize()
	stable := monitor.AllowConcurrent()
	percent := float64(len(uploaded)) / float64(s.TotalChunks) * 100

	hub.Notify(fileID, progress.Event{
		Type:                 progress.EventChunkCompleted,
		ChunkIndex:           chunkIndex,
		UploadedChunks:       len(uploaded),
		TotalChunks:          s.TotalChunks,
		Progress:             percent,
		RecommendedChunkSize: recommended,
		NetworkStable:        stable,
	})

	return map[string]interface{}{
		"status":                 "success",
		"chunk_index":            chunkIndex,
		"uploaded_chunks":        len(uploaded),
		"total_chunks":           s.TotalChunks,
		"progress":               percent,
		"recommended_chunk_size": recommended,
		"network_stable":         stable,
	}, nil
}

// UploadStatusHandler reports uploaded and missing chunks plus sizing advice,
// letting a client resume after a disconnect.
//
// GET /v1/upload/status/{file_id}
func UploadStatusHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	fileID := mux.Vars(r)["file_id"]

	s, err := loadOwnedSession(fileID, r)
	if err != nil {
		return nil, err
	}

	uploaded, err := chunkstore.GetStore().ListUploadedChunks(fileID)
	if err != nil {
		return nil, err
	}
	missing := chunkstore.MissingChunks(uploaded, s.TotalChunks)

	var percent float64
	if s.TotalChunks > 0 {
		percent = float64(len(uploaded)) / float64(s.TotalChunks) * 100
	}

	concurrent := 1
	if monitor.AllowConcurrent() {
		concurrent = config.Configuration.ConcurrentUploads
	}

	return map[string]interface{}{
		"file_id":         fileID,
		"status":          s.Status,
		"uploaded_chunks": uploaded,
		"missing_chunks":  missing,
		"total_chunks":    s.TotalChunks,
		"progress":        percent,
		"recommendations": map[string]interface{}{
			"chunk_size":         monitor.OptimalChunkSize(),
			"concurrent_uploads": concurrent,
		},
	}, nil
}

// CompleteUploadHandler merges all chunks into the final verified file.
//
// POST /v1/upload/complete
func CompleteUploadHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	fileID := r.FormValue("file_id")

	s, err := loadOwnedSession(fileID, r)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusUploading {
		return nil, common.NewErrorfWithStatusCode(409, "status_conflict",
			"upload %s is already %s", fileID, s.Status)
	}

	hub.Notify(fileID, progress.Event{
		Type:        progress.EventMergeStarted,
		TotalChunks: s.TotalChunks,
	})

	finalPath, mergedHash, err := chunkstore.GetStore().MergeChunks(ctx, fileID, s.TotalChunks, s.FileHash, s.Filename)
	if err != nil {
		hub.NotifyError(fileID, "failed to complete upload: "+err.Error())
		// an incomplete chunk set is recoverable, the session stays open
		var missingErr *chunkstore.MissingChunksError
		if !errors.As(err, &missingErr) {
			markFailed(fileID)
		}
		return nil, err
	}

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return session.UpdateProgress(ctx, fileID, s.TotalChunks, session.StatusCompleted)
	})
	if err != nil {
		return nil, err
	}

	hub.NotifyCompletion(fileID, finalPath)

	return map[string]interface{}{
		"status":      "completed",
		"file_id":     fileID,
		"file_path":   finalPath,
		"merged_hash": mergedHash,
	}, nil
}

// markFailed is a best-effort terminal transition after a merge failure; a
// failure to record it must not mask the original error.
func markFailed(fileID string) {
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		uploaded, listErr := chunkstore.GetStore().ListUploadedChunks(fileID)
		if listErr != nil {
			uploaded = nil
		}
		return session.UpdateProgress(ctx, fileID, len(uploaded), session.StatusFailed)
	})
	if err != nil {
		logging.Logger.Warn("could not mark session failed",
			zap.String("file_id", fileID), zap.Error(err))
	}
}

// CancelUploadHandler abandons a session and frees its chunks.
//
// DELETE /v1/upload/cancel/{file_id}
func CancelUploadHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	fileID := mux.Vars(r)["file_id"]

	s, err := loadOwnedSession(fileID, r)
	if err != nil {
		return nil, err
	}
	// cancelling twice is idempotent; unmaking a finished upload is not
	if session.IsTerminal(s.Status) && s.Status != session.StatusCancelled {
		return nil, common.NewErrorfWithStatusCode(409, "status_conflict",
			"upload %s is already %s", fileID, s.Status)
	}

	uploaded, err := chunkstore.GetStore().ListUploadedChunks(fileID)
	if err != nil {
		uploaded = nil
	}

	if s.Status == session.StatusUploading {
		err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			return session.UpdateProgress(ctx, fileID, len(uploaded), session.StatusCancelled)
		})
		if err != nil {
			return nil, err
		}
	}

	chunkstore.GetStore().CleanupSession(fileID)

	return map[string]interface{}{
		"status":  "cancelled",
		"file_id": fileID,
	}, nil
}

// DownloadHandler streams a merged file back to its owner.
//
// GET /v1/upload/download/{filename}
func DownloadHandler(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(mux.Vars(r)["filename"])

	path := filepath.Join(config.Configuration.UploadDir, filename)

	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(filename))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress events carry no secrets and the socket is read-only for the
	// client, so cross-origin subscriptions are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ProgressSocketHandler subscribes the caller to progress events for one upload.
//
// GET /ws/progress/{file_id}
func ProgressSocketHandler(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	hub.Subscribe(fileID, conn)
}

// loadOwnedSession fetches a session and enforces that the caller owns it.
func loadOwnedSession(fileID string, r *http.Request) (*session.UploadSession, error) {
	if fileID == "" {
		return nil, common.InvalidRequest("file_id is required")
	}

	var s *session.UploadSession
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		s, err = session.GetSession(ctx, fileID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.OwnerID != "" && s.OwnerID != common.GetOwnerID(r) {
		return nil, common.NewErrorfWithStatusCode(403, "unauthorized_access",
			"session %s belongs to a different owner", fileID)
	}
	return s, nil
}
