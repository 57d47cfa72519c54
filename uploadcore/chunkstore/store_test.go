package chunkstore

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/hashing"
	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/netmonitor"
	"github.com/filetide/filetide/uploadcore/progress"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const KB = 1024

func testMonitor() *netmonitor.Monitor {
	return netmonitor.New(netmonitor.Config{
		HistorySize:       20,
		MinChunkSize:      256 * KB,
		MaxChunkSize:      2048 * KB,
		DefaultChunkSize:  1024 * KB,
		ShrinkSuccessRate: 0.7,
		GrowSuccessRate:   0.9,
		GrowMinSpeed:      500_000,
		FloorSpeed:        100_000,
	})
}

func testStore(t *testing.T) (*Store, *netmonitor.Monitor) {
	t.Helper()
	logging.Logger = zap.NewNop()

	root := t.TempDir()
	monitor := testMonitor()
	s, err := New(Config{
		TempDir:        filepath.Join(root, "temp_chunks"),
		UploadDir:      filepath.Join(root, "uploaded_files"),
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		SaveTimeout:    time.Minute,
		SweepWorkers:   2,
	}, monitor, progress.NopSink{})
	require.NoError(t, err)
	return s, monitor
}

// splitRandom slices data into n chunks of uneven sizes.
func splitRandom(r *rand.Rand, data []byte, n int) [][]byte {
	cuts := map[int]bool{}
	for len(cuts) < n-1 {
		c := 1 + r.Intn(len(data)-1)
		cuts[c] = true
	}
	bounds := []int{0}
	for c := range cuts {
		bounds = append(bounds, c)
	}
	bounds = append(bounds, len(data))
	sortInts(bounds)

	chunks := make([][]byte, 0, n)
	for i := 1; i < len(bounds); i++ {
		chunks = append(chunks, data[bounds[i-1]:bounds[i]])
	}
	return chunks
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

func TestRoundTripAnyPermutation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	r := rand.New(rand.NewSource(7))

	data := make([]byte, 3*KB+17)
	_, err := r.Read(data)
	require.NoError(t, err)

	const totalChunks = 8
	chunks := splitRandom(r, data, totalChunks)
	require.Len(t, chunks, totalChunks)

	// upload out of order
	order := r.Perm(totalChunks)
	for _, i := range order {
		require.NoError(t, s.SaveChunk(ctx, "roundtrip", i, chunks[i], hashing.Hash(chunks[i])))
	}

	uploaded, err := s.ListUploadedChunks("roundtrip")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, uploaded)

	wantHash := hashing.Hash(data)
	finalPath, gotHash, err := s.MergeChunks(ctx, "roundtrip", totalChunks, wantHash, "movie.bin")
	require.NoError(t, err)
	require.Equal(t, wantHash, gotHash)

	merged, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, data, merged)

	// collision safety: the fileID is part of the final name
	require.Contains(t, filepath.Base(finalPath), "roundtrip")

	// chunk directory is gone after a successful merge
	_, err = os.Stat(filepath.Join(s.cfg.TempDir, "roundtrip"))
	require.True(t, os.IsNotExist(err))
}

func TestIntegrityRejectionIsImmediate(t *testing.T) {
	s, monitor := testStore(t)

	data := []byte("some honest payload")
	err := s.SaveChunk(context.Background(), "bad", 0, data, hashing.Hash([]byte("something else")))
	require.Error(t, err)
	require.Equal(t, IntegrityMismatch, common.ErrorCode(err))

	// never retried, never counted as an attempt
	require.Equal(t, 0, monitor.Samples())

	uploaded, err := s.ListUploadedChunks("bad")
	require.NoError(t, err)
	require.Empty(t, uploaded)
}

func TestSaveChunkRecordsOutcome(t *testing.T) {
	s, monitor := testStore(t)

	data := []byte("payload")
	require.NoError(t, s.SaveChunk(context.Background(), "rec", 0, data, hashing.Hash(data)))
	require.Equal(t, 1, monitor.Samples())
}

func TestSaveChunkRejectsBadInput(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.Error(t, s.SaveChunk(ctx, "input", -1, []byte("x"), hashing.Hash([]byte("x"))))
	require.Error(t, s.SaveChunk(ctx, "input", 0, nil, hashing.Hash(nil)))
}

func TestReuploadSameChunkOverwrites(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	first := []byte("version one")
	second := []byte("version two, a bit longer")

	require.NoError(t, s.SaveChunk(ctx, "re", 0, first, hashing.Hash(first)))
	require.NoError(t, s.SaveChunk(ctx, "re", 0, second, hashing.Hash(second)))

	got, err := os.ReadFile(s.chunkPath("re", 0))
	require.NoError(t, err)
	require.Equal(t, second, got)
}

func TestListIgnoresTempAndEmptyFiles(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	data := []byte("real chunk")
	require.NoError(t, s.SaveChunk(ctx, "list", 1, data, hashing.Hash(data)))

	dir := s.sessionDir("list")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk_2.tmp"), []byte("partial"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chunk_3"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated"), []byte("x"), 0644))

	uploaded, err := s.ListUploadedChunks("list")
	require.NoError(t, err)
	require.Equal(t, []int{1}, uploaded)
}

func TestListUnknownSessionIsEmptyNotError(t *testing.T) {
	s, _ := testStore(t)

	uploaded, err := s.ListUploadedChunks("never-created")
	require.NoError(t, err)
	require.Empty(t, uploaded)
}

func TestMergeRefusesPartialSets(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for _, i := range []int{0, 1, 3} {
		data := []byte{byte(i)}
		require.NoError(t, s.SaveChunk(ctx, "partial", i, data, hashing.Hash(data)))
	}

	_, _, err := s.MergeChunks(ctx, "partial", 4, "irrelevant", "out.bin")
	require.Error(t, err)

	var missingErr *MissingChunksError
	require.True(t, errors.As(err, &missingErr))
	require.Equal(t, []int{2}, missingErr.Missing)

	// no partial merge output, not even a temp file
	entries, err := os.ReadDir(s.cfg.UploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMergeRefusesWrongFileHash(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		data := []byte{byte(i), byte(i)}
		require.NoError(t, s.SaveChunk(ctx, "wronghash", i, data, hashing.Hash(data)))
	}

	_, _, err := s.MergeChunks(ctx, "wronghash", 2, hashing.Hash([]byte("not the file")), "out.bin")
	require.Error(t, err)
	require.Equal(t, IntegrityMismatch, common.ErrorCode(err))

	// the corrupt result was never exposed
	entries, err := os.ReadDir(s.cfg.UploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	// chunks survive so the client can resolve the mismatch
	uploaded, err := s.ListUploadedChunks("wronghash")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, uploaded)
}

// captureSink remembers every event so tests can assert notifications.
type captureSink struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureSink) Notify(fileID string, event progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event.FileID = fileID
	c.events = append(c.events, event)
}

func (c *captureSink) NotifyError(fileID, message string) {}
func (c *captureSink) NotifyCompletion(fileID, path string) {}

func (c *captureSink) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// blockRename makes every rename for fileID's chunk 0 fail by squatting on
// the final path with a non-empty directory.
func blockRename(t *testing.T, s *Store, fileID string) {
	t.Helper()
	squat := s.chunkPath(fileID, 0)
	require.NoError(t, os.MkdirAll(squat, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(squat, "occupied"), []byte("x"), 0644))
}

func TestTransientWriteFailureRetriesThenEscalates(t *testing.T) {
	logging.Logger = zap.NewNop()

	root := t.TempDir()
	monitor := testMonitor()
	sink := &captureSink{}
	s, err := New(Config{
		TempDir:        filepath.Join(root, "temp_chunks"),
		UploadDir:      filepath.Join(root, "uploaded_files"),
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		SaveTimeout:    time.Minute,
	}, monitor, sink)
	require.NoError(t, err)

	blockRename(t, s, "flaky")

	data := []byte("payload that cannot land")
	err = s.SaveChunk(context.Background(), "flaky", 0, data, hashing.Hash(data))
	require.Error(t, err)
	require.Equal(t, ChunkWriteError, common.ErrorCode(err))

	// every attempt fed the monitor, all of them failures
	require.Equal(t, 3, monitor.Samples())

	// the permanent failure was announced
	require.Equal(t, []string{progress.EventChunkFailed}, sink.types())

	// no chunk became visible and no temp file survived
	uploaded, err := s.ListUploadedChunks("flaky")
	require.NoError(t, err)
	require.Empty(t, uploaded)
	_, err = os.Stat(s.chunkPath("flaky", 0) + tempSuffix)
	require.True(t, os.IsNotExist(err))
}

func TestSaveTimeoutBoundsRetries(t *testing.T) {
	logging.Logger = zap.NewNop()

	root := t.TempDir()
	monitor := testMonitor()
	s, err := New(Config{
		TempDir:        filepath.Join(root, "temp_chunks"),
		UploadDir:      filepath.Join(root, "uploaded_files"),
		MaxRetries:     5,
		RetryBaseDelay: time.Minute,
		SaveTimeout:    20 * time.Millisecond,
	}, monitor, progress.NopSink{})
	require.NoError(t, err)

	blockRename(t, s, "slow")

	data := []byte("deadline beats the backoff")
	start := time.Now()
	err = s.SaveChunk(context.Background(), "slow", 0, data, hashing.Hash(data))
	require.Error(t, err)
	require.Equal(t, ChunkWriteError, common.ErrorCode(err))

	// the deadline fired during the first backoff, well before attempt two
	require.Equal(t, 1, monitor.Samples())
	require.Less(t, time.Since(start), time.Minute)
}

func TestCleanupSessionIsIdempotent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	data := []byte("cleanup me")
	require.NoError(t, s.SaveChunk(ctx, "clean", 0, data, hashing.Hash(data)))
	require.Contains(t, s.ActiveSessions(), "clean")

	s.CleanupSession("clean")
	s.CleanupSession("clean")
	s.CleanupSession("was-never-created")

	require.NotContains(t, s.ActiveSessions(), "clean")
	_, err := os.Stat(s.sessionDir("clean"))
	require.True(t, os.IsNotExist(err))
}

func TestSweepStale(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	old := []byte("old")
	fresh := []byte("fresh")
	require.NoError(t, s.SaveChunk(ctx, "old-session", 0, old, hashing.Hash(old)))
	require.NoError(t, s.SaveChunk(ctx, "fresh-session", 0, fresh, hashing.Hash(fresh)))

	staleTime := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(s.sessionDir("old-session"), staleTime, staleTime))

	s.SweepStale(24)

	_, err := os.Stat(s.sessionDir("old-session"))
	require.True(t, os.IsNotExist(err))

	uploaded, err := s.ListUploadedChunks("fresh-session")
	require.NoError(t, err)
	require.Equal(t, []int{0}, uploaded)
}

func TestConcurrentSavesOneFile(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	const totalChunks = 16
	chunks := make([][]byte, totalChunks)
	var whole []byte
	r := rand.New(rand.NewSource(99))
	for i := range chunks {
		chunks[i] = make([]byte, 512+r.Intn(1024))
		r.Read(chunks[i]) //nolint:errcheck
		whole = append(whole, chunks[i]...)
	}

	var wg sync.WaitGroup
	errs := make([]error, totalChunks)
	for i := 0; i < totalChunks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.SaveChunk(ctx, "parallel", i, chunks[i], hashing.Hash(chunks[i]))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "chunk %d", i)
	}

	finalPath, _, err := s.MergeChunks(ctx, "parallel", totalChunks, hashing.Hash(whole), "parallel.bin")
	require.NoError(t, err)

	merged, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	require.Equal(t, whole, merged)
}

func TestMissingChunks(t *testing.T) {
	require.Equal(t, []int{2}, MissingChunks([]int{0, 1, 3}, 4))
	require.Empty(t, MissingChunks([]int{0, 1, 2}, 3))
	require.Equal(t, []int{0, 1}, MissingChunks(nil, 2))
}
