package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const redacted = "[REDACTED]"

// LoggingTransport wraps an http.RoundTripper and appends a dump of every
// request and response to a log file. Credentials are redacted and only
// JSON bodies are logged, so model downloads pass through untouched.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens logFilePath for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	logged := req.Clone(req.Context())
	for _, h := range []string{"Authorization", "Cookie"} {
		if logged.Header.Get(h) != "" {
			logged.Header.Set(h, redacted)
		}
	}
	reqDump, err := httputil.DumpRequestOut(logged, false)
	if err != nil {
		log.WithError(err).Debug("Failed to dump API request for logging")
		reqDump = []byte(req.Method + " " + req.URL.Redacted())
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	var entry strings.Builder
	fmt.Fprintf(&entry, "--- Request (%s) ---\n%s\n", startTime.Format(time.RFC3339), reqDump)
	if err != nil {
		fmt.Fprintf(&entry, "--- Response Error (Duration: %v) ---\n%s\n", duration, err)
		t.writeLog(entry.String())
		return resp, err
	}

	headerDump, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		headerDump = []byte(resp.Status)
	}
	fmt.Fprintf(&entry, "--- Response (Duration: %v) ---\n%s", duration, headerDump)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if readErr != nil {
			fmt.Fprintf(&entry, "(body read failed: %v)\n", readErr)
			t.writeLog(entry.String())
			return resp, readErr
		}
		fmt.Fprintf(&entry, "%s\n", body)
	} else {
		entry.WriteString("(body not logged)\n")
	}
	t.writeLog(entry.String())
	return resp, nil
}

func (t *LoggingTransport) writeLog(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(s + "\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing API log file: %v\n", err)
	}
}

// Close flushes and closes the log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}
