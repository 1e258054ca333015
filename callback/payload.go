package callback

const (
	lineFeed = '\n'
	nul      = 0
)

// CString returns text followed by a single NUL byte.
func CString(text string) []byte {
	b := make([]byte, 0, len(text)+1)
	b = append(b, text...)
	return append(b, nul)
}

// NormalizeMessage returns the payload handed to the message callback:
// text terminated by exactly one added line-feed (only if it does not
// already end with one) followed by a NUL. Empty input yields nil.
func NormalizeMessage(text []byte) []byte {
	if len(text) == 0 {
		return nil
	}
	b := make([]byte, 0, len(text)+2)
	b = append(b, text...)
	if text[len(text)-1] != lineFeed {
		b = append(b, lineFeed)
	}
	return append(b, nul)
}

// Text strips the trailing NUL from a callback payload.
func Text(payload []byte) string {
	if n := len(payload); n > 0 && payload[n-1] == nul {
		payload = payload[:n-1]
	}
	return string(payload)
}
