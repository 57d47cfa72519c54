package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	// AppErrorHeader - a http response header to send an application error code.
	AppErrorHeader = "X-App-Error-Code"

	// OwnerHeader carries the opaque owner identity asserted by the caller.
	// Verifying it is the job of an authentication layer in front of this
	// service, not of the upload engine.
	OwnerHeader = "X-App-Owner-ID"
)

/*ReqRespHandlerf - a type for the default handler signature */
type ReqRespHandlerf func(w http.ResponseWriter, r *http.Request)

/*JSONResponderF - a handler that takes a standard request and responds with a json response */
type JSONResponderF func(ctx context.Context, r *http.Request) (interface{}, error)

/*Respond - respond either data or error as a response */
func Respond(w http.ResponseWriter, data interface{}, err error) {
	w.Header().Set("Access-Control-Allow-Origin", "*") // CORS for all.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err != nil {
		data := make(map[string]interface{}, 2)
		data["error"] = err.Error()
		statusCode := http.StatusBadRequest
		if cerr, ok := err.(*Error); ok {
			data["code"] = cerr.Code
			if cerr.StatusCode != 0 {
				statusCode = cerr.StatusCode
			}
		}
		buf := bytes.NewBuffer(nil)
		json.NewEncoder(buf).Encode(data) //nolint:errcheck // checked in previous step
		w.WriteHeader(statusCode)
		fmt.Fprintln(w, buf.String())
	} else if data != nil {
		json.NewEncoder(w).Encode(data) //nolint:errcheck // checked in previous step
	}
}

/*ToJSONResponse - to json response handler */
func ToJSONResponse(handler JSONResponderF) ReqRespHandlerf {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		data, err := handler(ctx, r)
		if err != nil {
			if cerr, ok := err.(*Error); ok {
				w.Header().Set(AppErrorHeader, cerr.Code)
			}
		}
		Respond(w, data, err)
	}
}

// GetOwnerID reads the caller-asserted owner identity from the request.
func GetOwnerID(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}
