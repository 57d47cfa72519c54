package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/chunkstore"
	"github.com/filetide/filetide/uploadcore/config"
	"github.com/filetide/filetide/uploadcore/datastore"
	"github.com/filetide/filetide/uploadcore/handler"
	"github.com/filetide/filetide/uploadcore/netmonitor"
	"github.com/filetide/filetide/uploadcore/progress"
	"github.com/filetide/filetide/uploadcore/session"
)

func main() {
	parseFlags()

	fmt.Print("[2/6] load config")
	setupConfig()
	fmt.Print("	[OK]\n")

	fmt.Print("[3/6] init logging")
	mode := "production"
	if config.Development() {
		mode = "development"
	}
	logging.InitLogging(mode, logDir, "filetide.log")
	config.WatchConfig()
	fmt.Print("	[OK]\n")

	fmt.Print("[4/6] connect metadata store")
	if err := setupDatabase(); err != nil {
		panic(err)
	}
	session.InitCache(config.Configuration.SessionCacheTTL)
	fmt.Print("	[OK]\n")

	fmt.Print("[5/6] init chunk store")
	monitor := netmonitor.New(monitorConfig())
	hub := progress.NewHub()

	store, err := chunkstore.New(chunkstoreConfig(), monitor, hub)
	if err != nil {
		panic(err)
	}
	chunkstore.SetStore(store)
	handler.Setup(monitor, hub)
	fmt.Print("	[OK]\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler.SetupWorkers(ctx)

	startHTTPServer(ctx)

	datastore.GetStore().Close()
}

// setupDatabase opens postgres when configured, sqlite otherwise so a
// development node runs with no external services.
func setupDatabase() error {
	if config.Configuration.DBHost != "" {
		datastore.UsePostgres()
	} else {
		if !config.Development() {
			return fmt.Errorf("db.host must be configured outside development mode")
		}
		datastore.UseSqlite(filepath.Join(filesDir, "filetide.db"))
	}

	store := datastore.GetStore()
	if err := store.Open(); err != nil {
		return err
	}

	return store.AutoMigrate(&session.UploadSession{}, &session.SessionChunk{})
}
