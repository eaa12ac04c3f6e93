package relay

import (
	"net/url"
	"strings"
)

// ExtractRoom derives the room key from a table URL: the last path segment
// once query, fragment and any trailing slash are gone.
func ExtractRoom(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}

	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return "", false
	}

	room := p[strings.LastIndex(p, "/")+1:]
	if room == "" {
		return "", false
	}
	return room, true
}
