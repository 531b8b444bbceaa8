package middleware

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/maltehedderich/weather-gateway/internal/logger"
)

// ResponseWriter wraps http.ResponseWriter to capture status code and size
type ResponseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// NewResponseWriter wraps w. The status defaults to 200 until written.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the first status code; later calls are ignored
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

// Flush forwards to the underlying writer when it supports flushing
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer when it supports hijacking
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *ResponseWriter) Status() int     { return rw.status }
func (rw *ResponseWriter) StatusCode() int { return rw.status }
func (rw *ResponseWriter) Size() int       { return rw.size }
func (rw *ResponseWriter) Written() bool   { return rw.wroteHeader }

// peerIP is the connection peer without its port
func peerIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteError writes a JSON error body carrying the request's correlation ID
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	correlationID := logger.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error:         errorCode,
		Message:       message,
		CorrelationID: correlationID,
	}

	if err := WriteJSON(w, resp); err != nil {
		logger.Get().WithComponent("middleware").Error("failed to encode error response", logger.Fields{
			"error":          err.Error(),
			"correlation_id": correlationID,
		})
	}
}
