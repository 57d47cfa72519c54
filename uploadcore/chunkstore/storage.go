package chunkstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/hashing"
	"github.com/filetide/filetide/core/lock"
	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/progress"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
)

const (
	chunkPrefix = "chunk_"
	tempSuffix  = ".tmp"

	// lockTable namespaces the per-fileID mutexes in the shared lock pool.
	lockTable = "chunkstore"
)

func (s *Store) sessionDir(fileID string) string {
	return filepath.Join(s.cfg.TempDir, fileID)
}

func (s *Store) chunkPath(fileID string, chunkIndex int) string {
	return filepath.Join(s.sessionDir(fileID), chunkPrefix+strconv.Itoa(chunkIndex))
}

// SaveChunk verifies data against declaredHash and persists it as chunk
// chunkIndex of fileID. The whole call, retries included, runs under the
// session's mutex: chunk writes for one fileID are linearized, different
// fileIDs proceed in parallel. A chunk only becomes visible to enumeration
// after a successful write-to-temp, re-read verification and atomic rename.
func (s *Store) SaveChunk(ctx context.Context, fileID string, chunkIndex int, data []byte, declaredHash string) error {
	if chunkIndex < 0 {
		return common.InvalidRequest(fmt.Sprintf("chunk index %d is negative", chunkIndex))
	}
	if len(data) == 0 {
		return common.InvalidRequest("empty chunk")
	}

	if s.cfg.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SaveTimeout)
		defer cancel()
	}

	mutex := lock.GetMutex(lockTable, fileID)
	mutex.Lock()
	defer mutex.Unlock()

	// Integrity precheck. A wrong payload stays wrong on retry, so this
	// fails immediately and is never counted as an I/O attempt.
	if computed := hashing.Hash(data); computed != declaredHash {
		return common.NewErrorfWithStatusCode(400, IntegrityMismatch,
			"chunk %d of %s: declared digest %s, actual %s", chunkIndex, fileID, declaredHash, computed)
	}

	if err := os.MkdirAll(s.sessionDir(fileID), 0755); err != nil {
		return common.NewErrorf(ChunkWriteError, "creating session dir for %s: %v", fileID, err)
	}

	chunkPath := s.chunkPath(fileID, chunkIndex)
	tempPath := chunkPath + tempSuffix

	s.discardIncomplete(chunkPath, tempPath)

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		start := time.Now()
		err := s.writeChunkOnce(tempPath, chunkPath, data, declaredHash)
		elapsed := time.Since(start)

		// every attempt feeds the monitor, success or failure
		s.monitor.Record(len(data), elapsed, err == nil)

		if err == nil {
			s.trackChunk(fileID, chunkIndex)
			return nil
		}
		lastErr = err

		logging.Logger.Warn("chunk write attempt failed",
			zap.String("file_id", fileID),
			zap.Int("chunk_index", chunkIndex),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		s.discardIncomplete(chunkPath, tempPath)

		if attempt == s.cfg.MaxRetries-1 {
			break
		}
		if err := s.backoff(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	failure := common.NewErrorfWithStatusCode(500, ChunkWriteError,
		"chunk %d of %s failed after %d attempts: %v", chunkIndex, fileID, s.cfg.MaxRetries, lastErr)

	s.sink.Notify(fileID, progress.Event{
		Type:       progress.EventChunkFailed,
		ChunkIndex: chunkIndex,
		ChunkSize:  len(data),
		Error:      failure.Error(),
	})

	return failure
}

// writeChunkOnce is one attempt: temp write with flush, read back and
// re-hash to confirm what the disk holds, then atomic rename.
func (s *Store) writeChunkOnce(tempPath, chunkPath string, data []byte, declaredHash string) error {
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	if err = verifyOnDisk(tempPath, int64(len(data)), declaredHash); err != nil {
		return err
	}

	return os.Rename(tempPath, chunkPath)
}

// verifyOnDisk defends against a partial flush or silent corruption between
// write and rename.
func verifyOnDisk(path string, wantSize int64, wantHash string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() != wantSize {
		return fmt.Errorf("post-write size mismatch: wrote %d bytes, disk holds %d", wantSize, info.Size())
	}

	written, err := hashing.HashFile(path)
	if err != nil {
		return err
	}
	if written != wantHash {
		return fmt.Errorf("post-write digest mismatch on %s", filepath.Base(path))
	}
	return nil
}

// discardIncomplete drops a stale temp file and a zero-byte final file.
func (s *Store) discardIncomplete(chunkPath, tempPath string) {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		logging.Logger.Warn("could not remove temp chunk", zap.String("path", tempPath), zap.Error(err))
	}
	if info, err := os.Stat(chunkPath); err == nil && info.Size() == 0 {
		if err := os.Remove(chunkPath); err != nil {
			logging.Logger.Warn("could not remove empty chunk", zap.String("path", chunkPath), zap.Error(err))
		}
	}
}

func (s *Store) backoff(ctx context.Context, attempt int) error {
	delay := s.cfg.RetryBaseDelay * (1 << uint(attempt))
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ListUploadedChunks enumerates the fully-written chunk indices of fileID in
// ascending order. Temp files and zero-byte files are not chunks. A session
// with no directory has simply uploaded nothing yet.
func (s *Store) ListUploadedChunks(fileID string) ([]int, error) {
	entries, err := os.ReadDir(s.sessionDir(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, common.NewErrorf("chunk_list_error", "reading session dir for %s: %v", fileID, err)
	}

	set := treeset.NewWith(utils.IntComparator)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, chunkPrefix) || strings.HasSuffix(name, tempSuffix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
		if err != nil || index < 0 {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		set.Add(index)
	}

	chunks := make([]int, 0, set.Size())
	for _, v := range set.Values() {
		chunks = append(chunks, v.(int))
	}
	return chunks, nil
}

// MissingChunks returns the indices in [0, totalChunks) absent from uploaded.
func MissingChunks(uploaded []int, totalChunks int) []int {
	have := treeset.NewWith(utils.IntComparator)
	for _, index := range uploaded {
		have.Add(index)
	}

	var missing []int
	for i := 0; i < totalChunks; i++ {
		if !have.Contains(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// MergeChunks concatenates all chunks of fileID in ascending index order into
// a verified final file and removes the chunk directory. The final name
// incorporates fileID so two sessions sharing an original filename cannot
// collide. Returns the final path and the computed digest.
func (s *Store) MergeChunks(ctx context.Context, fileID string, totalChunks int, declaredFileHash, filename string) (string, string, error) {
	uploaded, err := s.ListUploadedChunks(fileID)
	if err != nil {
		return "", "", err
	}
	if missing := MissingChunks(uploaded, totalChunks); len(missing) > 0 || len(uploaded) != totalChunks {
		if len(missing) == 0 {
			// indices beyond totalChunks present: logically wrong request
			return "", "", common.NewErrorf(MergeError,
				"upload %s holds %d chunks, session declares %d", fileID, len(uploaded), totalChunks)
		}
		return "", "", &MissingChunksError{FileID: fileID, Missing: missing}
	}

	finalPath := filepath.Join(s.cfg.UploadDir, fileID+"_"+filepath.Base(filename))
	tempPath := finalPath + tempSuffix

	if err := s.writeMerged(ctx, fileID, totalChunks, tempPath); err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return "", "", err
	}

	computedHash, err := hashing.HashFile(tempPath)
	if err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return "", "", common.NewErrorf(MergeError, "hashing merged file for %s: %v", fileID, err)
	}

	// a corrupt result is never exposed, not even transiently
	if computedHash != declaredFileHash {
		os.Remove(tempPath) //nolint:errcheck
		return "", "", common.NewErrorfWithStatusCode(400, IntegrityMismatch,
			"merged file for %s: declared digest %s, actual %s", fileID, declaredFileHash, computedHash)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath) //nolint:errcheck
		return "", "", common.NewErrorf(MergeError, "publishing merged file for %s: %v", fileID, err)
	}

	s.CleanupSession(fileID)

	return finalPath, computedHash, nil
}

func (s *Store) writeMerged(ctx context.Context, fileID string, totalChunks int, tempPath string) error {
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return common.NewErrorf(MergeError, "creating merge output for %s: %v", fileID, err)
	}
	defer out.Close()

	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return common.NewErrorf(MergeError, "merge of %s interrupted: %v", fileID, err)
		}

		if err := appendChunk(out, s.chunkPath(fileID, i)); err != nil {
			return common.NewErrorf(MergeError, "appending chunk %d of %s: %v", i, fileID, err)
		}
	}

	return out.Sync()
}

func appendChunk(out io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	_, err = io.Copy(out, in)
	return err
}

// CleanupSession removes fileID's chunk directory and in-memory bookkeeping.
// Idempotent: a session that never existed or was already cleaned is fine.
func (s *Store) CleanupSession(fileID string) {
	if err := os.RemoveAll(s.sessionDir(fileID)); err != nil {
		logging.Logger.Warn("could not fully clean up session",
			zap.String("file_id", fileID), zap.Error(err))
	}

	s.forgetSession(fileID)
	lock.Forget(lockTable, fileID)
}

// SweepStale removes every session directory whose last modification is older
// than maxAgeHours. Individual failures are logged and never propagate; the
// sweep always visits every directory.
func (s *Store) SweepStale(maxAgeHours int) {
	entries, err := os.ReadDir(s.cfg.TempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Logger.Error("stale sweep could not read chunk root", zap.Error(err))
		}
		return
	}

	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)

	swg := sizedwaitgroup.New(s.cfg.SweepWorkers)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logging.Logger.Warn("stale sweep could not stat session dir",
				zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		fileID := entry.Name()
		swg.Add()
		go func() {
			defer swg.Done()
			logging.Logger.Info("cleaning up stale upload", zap.String("file_id", fileID))
			s.CleanupSession(fileID)
		}()
	}
	swg.Wait()
}
