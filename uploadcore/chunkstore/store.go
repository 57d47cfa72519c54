package chunkstore

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/uploadcore/netmonitor"
	"github.com/filetide/filetide/uploadcore/progress"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
)

// Application error codes surfaced by the store.
const (
	// IntegrityMismatch - declared digest does not match actual bytes. Never
	// retried: the payload itself is wrong, the client must resend.
	IntegrityMismatch = "integrity_mismatch"
	// ChunkWriteError - transient I/O failure that survived every retry.
	ChunkWriteError = "chunk_write_error"
	// MergeError - merged output could not be produced.
	MergeError = "merge_error"
)

// MissingChunksError - merge was attempted before the chunk set is complete.
type MissingChunksError struct {
	FileID  string
	Missing []int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("missing_chunks: upload %s is missing chunks %v", e.FileID, e.Missing)
}

// Config - the store's tunables, validated once at startup.
type Config struct {
	// TempDir holds one directory of chunk files per fileID.
	TempDir string
	// UploadDir receives merged output files.
	UploadDir string

	MaxRetries     int
	RetryBaseDelay time.Duration
	// SaveTimeout bounds one SaveChunk call including all of its retries.
	SaveTimeout time.Duration

	// SweepWorkers bounds parallel deletions during a stale sweep.
	SweepWorkers int
}

// Store owns the on-disk chunk directories. One instance serves every
// upload; writes within one fileID are serialized, distinct fileIDs proceed
// in parallel.
type Store struct {
	cfg     Config
	monitor *netmonitor.Monitor
	sink    progress.Sink

	// active tracks chunk indices saved by this process, per fileID.
	// Enumeration always trusts the disk; this is bookkeeping only.
	activeMu sync.Mutex
	active   map[string]*treeset.Set
}

// New creates the chunk root directories and returns a ready store.
func New(cfg Config, monitor *netmonitor.Monitor, sink progress.Sink) (*Store, error) {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.SweepWorkers < 1 {
		cfg.SweepWorkers = 4
	}
	if sink == nil {
		sink = progress.NopSink{}
	}

	for _, dir := range []string{cfg.TempDir, cfg.UploadDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, common.NewErrorf("dir_creation_error", "creating %s: %v", dir, err)
		}
	}

	return &Store{
		cfg:     cfg,
		monitor: monitor,
		sink:    sink,
		active:  make(map[string]*treeset.Set),
	}, nil
}

func (s *Store) trackChunk(fileID string, chunkIndex int) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	set, ok := s.active[fileID]
	if !ok {
		set = treeset.NewWith(utils.IntComparator)
		s.active[fileID] = set
	}
	set.Add(chunkIndex)
}

func (s *Store) forgetSession(fileID string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	delete(s.active, fileID)
}

// ActiveSessions lists fileIDs with chunk activity in this process.
func (s *Store) ActiveSessions() []string {
	s.activeMu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.activeMu.Unlock()

	sort.Strings(ids)
	return ids
}

var store *Store

// SetStore installs the process-wide chunk store.
func SetStore(s *Store) {
	store = s
}

// GetStore returns the process-wide chunk store.
func GetStore() *Store {
	return store
}
