// Package http includes handlers and utilties.
package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ReadAllAndReplaceBody reads all of r.Body and replaces it with a new byte buffer.
func ReadAllAndReplaceBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return b, err
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(b))
	return b, nil
}

// DumpHandler outputs the method, path and body of the request to output.
// Token path segments are not redacted: do not use in production.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	var mu sync.Mutex
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadAllAndReplaceBody(r)
		mu.Lock()
		fmt.Fprintf(output, "%s %s\n", r.Method, r.URL.RequestURI())
		if len(body) > 0 {
			output.Write(append(body, '\n'))
		}
		mu.Unlock()
		next.ServeHTTP(w, r)
	}
}
