package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/omni/relay-server/logging"
	"github.com/omni/relay-server/presenter/http/render"
)

var errInternal = errors.New("internal server error")

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger := logging.LoggerFromContext(r.Context())
			if err, ok := rec.(error); ok {
				logger = logger.WithError(err)
			} else {
				logger = logger.WithField("recovered", fmt.Sprint(rec))
			}
			logger.WithField("stack", string(debug.Stack())).Error("recovered error from the http handler")
			render.Error(w, r, errInternal)
		}()
		next.ServeHTTP(w, r)
	})
}
