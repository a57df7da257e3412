package outbox

import (
	"strings"

	"github.com/rivo/uniseg"
)

// DefaultMaxBytes is the provider limit for a single SMS body.
const DefaultMaxBytes = 160

// Split cuts text into segments of at most maxBytes UTF-8 bytes without
// breaking a grapheme cluster. Concatenating the segments gives back text.
// A single cluster longer than maxBytes becomes its own segment.
func Split(text string, maxBytes int) []string {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(text) <= maxBytes {
		return []string{text}
	}

	var segments []string
	var cur strings.Builder
	state := -1
	rest := text
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if cur.Len() > 0 && cur.Len()+len(cluster) > maxBytes {
			segments = append(segments, cur.String())
			cur.Reset()
		}
		cur.WriteString(cluster)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}
