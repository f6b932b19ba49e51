package restapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nazq/tei-manager/pkg/apierrors"
)

// errorBody is the JSON shape of every error response across the REST and
// gRPC front doors' documented contract.
type errorBody struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError translates err through the shared taxonomy into the HTTP
// status and JSON body the management surface promises callers, never
// leaking Internal-kind detail.
func (s *Server) writeAPIError(w http.ResponseWriter, err error) {
	kind := apierrors.KindOf(err)
	status := apierrors.HTTPStatus(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("internal error serving request")
	}
	writeJSON(w, status, errorBody{
		Error:     apierrors.PublicMessage(err),
		Code:      string(kind),
		Timestamp: time.Now(),
	})
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
