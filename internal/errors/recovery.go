package errors

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/qsimlab/beopt/internal/logging"
)

// RecoveryMiddleware returns a middleware that recovers from panics and
// reports them in the encoding the route speaks: a JSON-RPC error envelope
// on the RPC endpoint, a plain JSON error elsewhere.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := map[string]interface{}{
						"error": rec,
						"stack": string(debug.Stack()),
					}
					if r != nil {
						fields["method"] = r.Method
						fields["path"] = r.URL.Path
					}
					logger.Error("Recovered from panic", fields)

					if r != nil && r.URL.Path == "/rpc" {
						writeRPCInternal(w)
						return
					}

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]interface{}{
						"error": http.StatusText(http.StatusInternalServerError),
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writeRPCInternal emits a JSON-RPC internal error envelope. The request id
// is unknown once the handler has panicked, so it is reported as null.
func writeRPCInternal(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    CodeInternal,
			"message": "Internal error",
		},
		"id": nil,
	})
}
