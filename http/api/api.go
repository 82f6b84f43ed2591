// Package api contains JSON helpers for HTTP API handlers.
package api

import (
	"encoding/json"
	"net/http"
)

// JSONError encodes err as JSON to w.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	JSONMessage(w, err.Error(), statusCode)
}

// JSONMessage encodes msg as a JSON error to w.
func JSONMessage(w http.ResponseWriter, msg string, statusCode int) {
	jsonErr := &struct {
		Err string `json:"error"`
	}{Err: msg}
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}

// JSONFieldErrors encodes per-field error messages as JSON to w.
func JSONFieldErrors(w http.ResponseWriter, fields map[string][]string, statusCode int) {
	jsonErr := &struct {
		Errors map[string][]string `json:"errors"`
	}{Errors: fields}
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusBadRequest
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(jsonErr)
}

// JSON encodes v as JSON to w with statusCode.
func JSON(w http.ResponseWriter, v interface{}, statusCode int) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(v)
}
