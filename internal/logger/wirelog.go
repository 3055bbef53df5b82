package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	wireMu         sync.Mutex
	wireLog        *log.Logger
	wireDumpBodies bool
)

// SetWireWriter installs the destination for the broker wire-tap log.
// A nil writer disables it.
func SetWireWriter(w io.Writer) {
	wireMu.Lock()
	defer wireMu.Unlock()
	if w == nil {
		wireLog = nil
		return
	}
	wireLog = log.New(w, "", log.LstdFlags)
}

// EnableWireBodyDump controls whether request/response bodies are written
// to the wire log. Envelope lines (endpoint, status, duration) are always
// written when the log is enabled.
func EnableWireBodyDump(enabled bool) {
	wireMu.Lock()
	wireDumpBodies = enabled
	wireMu.Unlock()
}

type wireSection struct {
	Title string
	Body  string
}

func logWire(direction, endpoint, summary string, sections []wireSection) {
	wireMu.Lock()
	logger := wireLog
	dump := wireDumpBodies
	wireMu.Unlock()
	if logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[WIRE]")
	b.WriteString("[")
	b.WriteString(direction)
	b.WriteString("]")
	if endpoint != "" {
		b.WriteString("[")
		b.WriteString(endpoint)
		b.WriteString("]")
	}
	if summary != "" {
		b.WriteString(" ")
		b.WriteString(summary)
	}
	b.WriteString("\n")
	if dump {
		for _, sec := range sections {
			t := strings.TrimSpace(sec.Title)
			if t == "" {
				t = "BODY"
			}
			b.WriteString("--- ")
			b.WriteString(t)
			b.WriteString(" ---\n")
			body := sec.Body
			b.WriteString(body)
			if !strings.HasSuffix(body, "\n") {
				b.WriteString("\n")
			}
		}
		b.WriteString("=====\n")
	}
	logger.Print(b.String())
}

// LogWireRequest records one outbound broker call. The body is only dumped
// when EnableWireBodyDump(true) was called; credentials are expected to be
// encrypted by the caller before they reach this layer.
func LogWireRequest(endpoint, method, body string) {
	logWire("request", endpoint, method, []wireSection{{Title: "REQUEST", Body: body}})
}

// LogWireResponse records the broker's reply to a call, including transport
// status and elapsed time in the summary line.
func LogWireResponse(endpoint, summary, body string) {
	logWire("response", endpoint, summary, []wireSection{{Title: "RESPONSE", Body: body}})
}
