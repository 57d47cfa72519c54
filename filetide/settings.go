package main

import (
	"path/filepath"

	"github.com/filetide/filetide/uploadcore/chunkstore"
	"github.com/filetide/filetide/uploadcore/config"
	"github.com/filetide/filetide/uploadcore/netmonitor"
)

// setupConfig loads defaults, the yaml file and env overrides, then derives
// the on-disk layout from the --files_dir flag.
func setupConfig() {
	config.SetupDefaultConfig()
	config.SetupConfig(configDir)
	config.ReadConfig(deploymentMode)

	config.Configuration.TempDir = filepath.Join(filesDir, "temp_chunks")
	config.Configuration.UploadDir = filepath.Join(filesDir, "uploaded_files")

	if err := config.Configuration.Validate(); err != nil {
		panic(err)
	}
}

func monitorConfig() netmonitor.Config {
	c := config.Configuration
	return netmonitor.Config{
		HistorySize:           c.NetworkHistorySize,
		MinChunkSize:          c.MinChunkSize,
		MaxChunkSize:          c.MaxChunkSize,
		DefaultChunkSize:      c.DefaultChunkSize,
		ShrinkSuccessRate:     c.ShrinkSuccessRate,
		GrowSuccessRate:       c.GrowSuccessRate,
		GrowMinSpeed:          c.GrowMinSpeed,
		FloorSpeed:            c.FloorSpeed,
		ConcurrentSuccessRate: c.ConcurrentSuccessRate,
		ConcurrentMinSpeed:    c.ConcurrentMinSpeed,
	}
}

func chunkstoreConfig() chunkstore.Config {
	c := config.Configuration
	return chunkstore.Config{
		TempDir:        c.TempDir,
		UploadDir:      c.UploadDir,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		SaveTimeout:    c.SaveTimeout,
		SweepWorkers:   c.CleanupNumWorkers,
	}
}
