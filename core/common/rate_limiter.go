package common

import (
	"net/http"
	"time"

	"github.com/filetide/filetide/core/logging"

	tollbooth "github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"go.uber.org/zap"
)

func GetRateLimiter(rps float64, ipLookups []string, ignoreURL bool, tokExpireTTL time.Duration) *limiter.Limiter {
	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: tokExpireTTL,
	})

	if ipLookups != nil {
		lmt.SetIPLookups(ipLookups)
	}

	lmt.SetIgnoreURL(ignoreURL)
	return lmt
}

func RateLimit(handler ReqRespHandlerf, lmt *limiter.Limiter) ReqRespHandlerf {
	return func(w http.ResponseWriter, r *http.Request) {
		if lmt != nil {
			if httpError := tollbooth.LimitByRequest(lmt, w, r); httpError != nil {
				logging.Logger.Warn("rate limit exceeded",
					zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
				lmt.ExecOnLimitReached(w, r)
				w.Header().Add("Content-Type", lmt.GetMessageContentType())
				w.WriteHeader(httpError.StatusCode)
				w.Write([]byte(httpError.Message)) // nolint
				return
			}
		}
		handler(w, r)
	}
}
