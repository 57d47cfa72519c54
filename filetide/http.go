package main

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/config"
	"github.com/filetide/filetide/uploadcore/handler"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var startTime = time.Now()

func initHandlers(r *mux.Router) {
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<div>Running since %v ...</div>\n", startTime)
		fmt.Fprintf(w, "<div>I am filetide on %v, serving chunked uploads.</div>\n", hostname)
	})

	handler.SetupHandlers(r)
}

func startHTTPServer(ctx context.Context) {
	mode := "production"
	if config.Development() {
		mode = "development"
	} else if config.Staging() {
		mode = "staging"
	}

	r := mux.NewRouter()
	initHandlers(r)

	chain := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-App-Owner-ID"}),
	)(handlers.RecoveryHandler()(r))

	address := ":" + strconv.Itoa(httpPort)
	server := &http.Server{
		Addr:              address,
		ReadHeaderTimeout: 30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Handler:           chain,
	}
	if !config.Development() {
		// no WriteTimeout: chunk uploads and merges legitimately run long
		server.IdleTimeout = 30 * time.Second
	}

	logging.Logger.Info("Starting filetide",
		zap.Int("available_cpus", runtime.NumCPU()),
		zap.Int("port", httpPort),
		zap.String("mode", mode))
	fmt.Print("[6/6] start http server	[OK]\n")

	var g errgroup.Group
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Logger.Error("http server terminated", zap.Error(err))
	}
}
