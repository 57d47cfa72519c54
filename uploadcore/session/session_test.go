package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/datastore"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupDB(t *testing.T) {
	t.Helper()
	logging.Logger = zap.NewNop()

	datastore.UseSqlite(filepath.Join(t.TempDir(), "meta.db"))
	store := datastore.GetStore()
	require.NoError(t, store.Open())
	require.NoError(t, store.AutoMigrate(&UploadSession{}, &SessionChunk{}))
	t.Cleanup(store.Close)
}

func inTx(t *testing.T, f func(ctx context.Context)) {
	t.Helper()
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		f(ctx)
		return nil
	})
	require.NoError(t, err)
}

func newSession(fileID string, totalChunks int) *UploadSession {
	return &UploadSession{
		FileID:      fileID,
		Filename:    "video.mp4",
		TotalChunks: totalChunks,
		FileSize:    4 << 20,
		FileHash:    "deadbeef",
		OwnerID:     "owner-1",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	setupDB(t)

	inTx(t, func(ctx context.Context) {
		require.NoError(t, CreateSession(ctx, newSession("f1", 4)))
	})

	inTx(t, func(ctx context.Context) {
		s, err := GetSession(ctx, "f1")
		require.NoError(t, err)
		require.Equal(t, "video.mp4", s.Filename)
		require.Equal(t, 4, s.TotalChunks)
		require.Equal(t, StatusUploading, s.Status)
		require.Equal(t, 0, s.UploadedChunks)
	})

	// file_id is unique
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return CreateSession(ctx, newSession("f1", 4))
	})
	require.Error(t, err)
	require.Equal(t, "session_create_error", common.ErrorCode(err))
}

func TestGetSessionNotFound(t *testing.T) {
	setupDB(t)

	inTx(t, func(ctx context.Context) {
		_, err := GetSession(ctx, "nope")
		require.Error(t, err)
		require.Equal(t, NotFound, common.ErrorCode(err))
	})
}

func TestCreateSessionValidation(t *testing.T) {
	setupDB(t)

	inTx(t, func(ctx context.Context) {
		s := newSession("f2", 0)
		require.Error(t, CreateSession(ctx, s))

		s = newSession("", 4)
		require.Error(t, CreateSession(ctx, s))
	})
}

func TestMarkChunkUploadedIsIdempotent(t *testing.T) {
	setupDB(t)

	inTx(t, func(ctx context.Context) {
		require.NoError(t, CreateSession(ctx, newSession("f3", 3)))
	})

	inTx(t, func(ctx context.Context) {
		require.NoError(t, MarkChunkUploaded(ctx, "f3", 2, 1024, "aa"))
		require.NoError(t, MarkChunkUploaded(ctx, "f3", 0, 1024, "bb"))
		// retried chunk, same index
		require.NoError(t, MarkChunkUploaded(ctx, "f3", 2, 1024, "aa"))
	})

	inTx(t, func(ctx context.Context) {
		indices, err := GetUploadedChunkNumbers(ctx, "f3")
		require.NoError(t, err)
		require.Equal(t, []int{0, 2}, indices)
	})
}

func TestUpdateProgressStatusTransitions(t *testing.T) {
	setupDB(t)

	inTx(t, func(ctx context.Context) {
		require.NoError(t, CreateSession(ctx, newSession("f4", 2)))
	})

	inTx(t, func(ctx context.Context) {
		require.NoError(t, UpdateProgress(ctx, "f4", 1, ""))
	})

	inTx(t, func(ctx context.Context) {
		s, err := GetSession(ctx, "f4")
		require.NoError(t, err)
		require.Equal(t, 1, s.UploadedChunks)
		require.Equal(t, StatusUploading, s.Status)
	})

	inTx(t, func(ctx context.Context) {
		require.NoError(t, UpdateProgress(ctx, "f4", 2, StatusCompleted))
	})

	// terminal status never reverses
	inTx(t, func(ctx context.Context) {
		err := UpdateProgress(ctx, "f4", 2, StatusFailed)
		require.Error(t, err)
		require.Equal(t, "status_conflict", common.ErrorCode(err))
	})

	inTx(t, func(ctx context.Context) {
		s, err := GetSession(ctx, "f4")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, s.Status)
	})

	inTx(t, func(ctx context.Context) {
		require.Error(t, UpdateProgress(ctx, "f4", 2, "exploded"))
	})
}

func TestRolledBackCreateLeavesNoCachedSession(t *testing.T) {
	setupDB(t)
	InitCache(time.Minute)

	boom := errors.New("boom")
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		if err := CreateSession(ctx, newSession("f5", 4)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// the rollback must not leave a phantom session behind, cached or stored
	inTx(t, func(ctx context.Context) {
		_, err := GetSession(ctx, "f5")
		require.Error(t, err)
		require.Equal(t, NotFound, common.ErrorCode(err))
	})
}

func TestUpdateProgressUnknownSession(t *testing.T) {
	setupDB(t)

	inTx(t, func(ctx context.Context) {
		err := UpdateProgress(ctx, "ghost", 1, StatusCancelled)
		require.Error(t, err)
		require.Equal(t, NotFound, common.ErrorCode(err))
	})
}
