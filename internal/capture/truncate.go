package capture

import "unicode/utf8"

const maxErrorBytes = 512

// truncateMessage caps msg at maxBytes without splitting a UTF-8 sequence.
func truncateMessage(msg string, maxBytes int) string {
	if maxBytes <= 0 || len(msg) <= maxBytes {
		return msg
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "…"
}
