package proxy

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the JSON error envelope.
const (
	CodeUnknownRoutingKey       = "UNKNOWN_ROUTING_KEY"
	CodeNoHealthyEndpoint       = "NO_HEALTHY_ENDPOINT"
	CodeCircuitOpen             = "CIRCUIT_OPEN"
	CodeUpstreamTimeout         = "UPSTREAM_TIMEOUT"
	CodeUpstreamConnectionError = "UPSTREAM_CONNECTION_ERROR"
)

// ErrorEnvelope is the JSON body returned for every routing failure, so
// clients can distinguish router errors from application errors.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes the error envelope with the given status.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorEnvelope{Code: code, Message: message})
}
