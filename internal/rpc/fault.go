package rpc

import (
	"encoding/json"
	"net/http"
)

// Fault is the wire shape of an API error. The HTTP status mirrors
// the fault code.
type Fault struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, Fault{Code: code, Error: message})
}
