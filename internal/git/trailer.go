package git

import "strings"

// AppendTrailer appends a "key: value" trailer line to message,
// separating it from the body with a blank line when message does
// not already end with one. Used for the engine's own structured
// trailers (headersV2's "conflicted", the oplog's "operation" and
// "message"), which this package writes and reads itself rather than
// shelling out to "git interpret-trailers".
func AppendTrailer(message, key, value string) string {
	message = strings.TrimRight(message, "\n")
	trailer := key + ": " + value
	if message == "" {
		return trailer
	}
	return message + "\n\n" + trailer
}

// Trailer looks up the last trailer line named key (case-sensitive)
// in message, scanning from the bottom. It returns ok=false if no
// such trailer is present.
func Trailer(message, key string) (value string, ok bool) {
	lines := strings.Split(message, "\n")
	prefix := key + ": "
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
	}
	return "", false
}
