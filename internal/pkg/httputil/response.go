package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/ices-pipeline/internal/pkg/logger"
)

// JSON writes a JSON response with the given status code. The data is
// serialized and Content-Type is set automatically.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("response encode failed", "error", err.Error())
	}
}
