package algolab

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// makeChecker computes the integrity hash AlgoLab requires on every call:
// SHA-256 over apiKey + hostname + endpoint path + the minified JSON body,
// hex-encoded. The hash must cover the exact bytes put on the wire, so
// callers pass the marshalled body and we only strip whitespace.
func makeChecker(apiKey, hostname, endpoint string, body []byte) string {
	var b strings.Builder
	b.WriteString(apiKey)
	b.WriteString(hostname)
	b.WriteString(endpoint)
	b.Write(minifyJSON(body))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// minifyJSON removes whitespace outside of string literals. Payload structs
// marshal compactly already; this guards against hand-built bodies.
func minifyJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	out := make([]byte, 0, len(body))
	inString := false
	escaped := false
	for _, c := range body {
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if unicode.IsSpace(rune(c)) {
			continue
		}
		if c == '"' {
			inString = true
		}
		out = append(out, c)
	}
	return out
}
