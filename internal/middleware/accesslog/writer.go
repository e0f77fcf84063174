package accesslog

import (
	"net/http"
)

// Writer wraps an http.ResponseWriter to record the status code and the
// number of body bytes written.
type Writer struct {
	http.ResponseWriter
	statusCode  int
	written     int64
	wroteHeader bool
}

// NewWriter wraps w.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code and forwards to the underlying writer.
func (w *Writer) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.statusCode = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// Write counts bytes and passes them through.
func (w *Writer) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (w *Writer) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *Writer) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// StatusCode returns the status code sent, or 200 if none was set explicitly.
func (w *Writer) StatusCode() int {
	return w.statusCode
}

// BytesWritten returns the number of body bytes written.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// WroteHeader reports whether a response has been started.
func (w *Writer) WroteHeader() bool {
	return w.wroteHeader
}
