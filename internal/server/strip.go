package server

import "strings"

// prefixStripper removes a leading "Name:" echo from a streamed
// reply. The model often opens with its own display name despite
// instructions; the client should never see it. Only the very start
// of the stream is inspected, later occurrences pass through.
type prefixStripper struct {
	prefix   string
	buffer   string
	decided  bool
	trimLead bool
}

func newPrefixStripper(prefix string) *prefixStripper {
	return &prefixStripper{prefix: prefix}
}

// Feed accepts the next chunk and returns whatever is safe to emit.
// Output is withheld only while the start of the stream could still
// turn out to be the prefix.
func (p *prefixStripper) Feed(chunk string) string {
	if p.decided {
		if p.trimLead {
			chunk = strings.TrimLeft(chunk, " ")
			if chunk != "" {
				p.trimLead = false
			}
		}
		return chunk
	}

	p.buffer += chunk
	trimmed := strings.TrimLeft(p.buffer, " \t\n")

	if strings.HasPrefix(trimmed, p.prefix) {
		out := strings.TrimLeft(strings.TrimPrefix(trimmed, p.prefix), " ")
		p.decided = true
		p.trimLead = out == ""
		p.buffer = ""
		return out
	}

	// Still a viable prefix start? Keep buffering.
	if len(trimmed) < len(p.prefix) && strings.HasPrefix(p.prefix, trimmed) {
		return ""
	}

	p.decided = true
	out := p.buffer
	p.buffer = ""
	return out
}

// Flush returns anything still buffered at end of stream, with a
// trailing bare prefix removed.
func (p *prefixStripper) Flush() string {
	if p.buffer == "" {
		return ""
	}
	out := p.buffer
	p.buffer = ""
	trimmed := strings.TrimLeft(out, " \t\n")
	if strings.HasPrefix(trimmed, p.prefix) {
		return strings.TrimLeft(strings.TrimPrefix(trimmed, p.prefix), " ")
	}
	return out
}
