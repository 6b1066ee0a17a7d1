package render

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/omni/relay-server/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, res interface{}) {
	enc := json.NewEncoder(w)

	if pretty, _ := strconv.ParseBool(r.URL.Query().Get("pretty")); pretty {
		enc.SetIndent("", "  ")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := enc.Encode(res); err != nil {
		logging.LoggerFromContext(r.Context()).WithError(err).Error("failed to marshal JSON result")
	}
}

// Rejected reports a request refused by the relay. Clients read the error field of a
// successful response and move on to another relay.
func Rejected(w http.ResponseWriter, r *http.Request, err error) {
	logging.LoggerFromContext(r.Context()).WithError(err).Info("request rejected")
	JSON(w, r, http.StatusOK, errorResponse{Error: err.Error()})
}

func BadRequest(w http.ResponseWriter, r *http.Request, err error) {
	logging.LoggerFromContext(r.Context()).WithError(err).Warn("malformed request")
	JSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func Error(w http.ResponseWriter, r *http.Request, err error) {
	logger := logging.LoggerFromContext(r.Context())
	logger.WithError(err).Error("request handling failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
