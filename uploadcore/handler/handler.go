package handler

import (
	"time"

	"github.com/filetide/filetide/core/common"
	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/netmonitor"
	"github.com/filetide/filetide/uploadcore/progress"

	"github.com/didip/tollbooth/v6/limiter"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	UploadRPS  = 10 // Upload Requests Per Second
	GeneralRPS = 20 // General Requests Per Second

	DefaultExpirationTTL = time.Minute * 5
)

var (
	uploadRL  *limiter.Limiter // upload rate limiter
	generalRL *limiter.Limiter // general rate limiter
)

var (
	monitor *netmonitor.Monitor
	hub     *progress.Hub
)

// Setup injects the shared monitor and progress hub consulted by every
// request. Must run before SetupHandlers.
func Setup(m *netmonitor.Monitor, h *progress.Hub) {
	monitor = m
	hub = h
}

func ConfigRateLimits() {
	tokenExpirettl := viper.GetDuration("rate_limiters.default_token_expire_duration")
	if tokenExpirettl <= 0 {
		tokenExpirettl = DefaultExpirationTTL
	}

	ipLookups := []string{"RemoteAddr", "X-Forwarded-For", "X-Real-IP"}

	isProxy := viper.GetBool("rate_limiters.proxy")
	if isProxy {
		ipLookups = []string{"X-Forwarded-For", "RemoteAddr", "X-Real-IP"}
	}

	uRps := viper.GetFloat64("rate_limiters.upload_rps")
	gRps := viper.GetFloat64("rate_limiters.general_rps")

	if uRps <= 0 {
		uRps = UploadRPS
	}
	if gRps <= 0 {
		gRps = GeneralRPS
	}

	logging.Logger.Info("Setting rps: ",
		zap.Float64("upload_rps", uRps),
		zap.Float64("general_rps", gRps),
	)

	uploadRL = common.GetRateLimiter(uRps, ipLookups, true, tokenExpirettl)
	generalRL = common.GetRateLimiter(gRps, ipLookups, true, tokenExpirettl)
}

func RateLimitByUploadRL(handler common.ReqRespHandlerf) common.ReqRespHandlerf {
	return common.RateLimit(handler, uploadRL)
}

func RateLimitByGeneralRL(handler common.ReqRespHandlerf) common.ReqRespHandlerf {
	return common.RateLimit(handler, generalRL)
}

/*SetupHandlers sets up the necessary API end points */
func SetupHandlers(r *mux.Router) {
	ConfigRateLimits()

	r.HandleFunc("/v1/upload/start",
		RateLimitByGeneralRL(common.ToJSONResponse(StartUploadHandler))).
		Methods("POST")

	r.HandleFunc("/v1/upload/chunk",
		RateLimitByUploadRL(common.ToJSONResponse(UploadChunkHandler))).
		Methods("POST")

	r.HandleFunc("/v1/upload/status/{file_id}",
		RateLimitByGeneralRL(common.ToJSONResponse(UploadStatusHandler))).
		Methods("GET")

	r.HandleFunc("/v1/upload/complete",
		RateLimitByGeneralRL(common.ToJSONResponse(CompleteUploadHandler))).
		Methods("POST")

	r.HandleFunc("/v1/upload/cancel/{file_id}",
		RateLimitByGeneralRL(common.ToJSONResponse(CancelUploadHandler))).
		Methods("DELETE")

	r.HandleFunc("/v1/upload/download/{filename}",
		RateLimitByGeneralRL(DownloadHandler)).
		Methods("GET")

	r.HandleFunc("/ws/progress/{file_id}", ProgressSocketHandler)
}
