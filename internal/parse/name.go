package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	slugRe  = regexp.MustCompile(`^([A-Za-z]+)[\s_-]*(\d+)$`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// ParsedName holds the structured data parsed from a machine slug.
type ParsedName struct {
	Prefix string
	Seq    int
}

// String renders the canonical slug, e.g. "MC-7".
func (p ParsedName) String() string {
	return fmt.Sprintf("%s-%d", p.Prefix, p.Seq)
}

// ParseName splits a machine slug such as "MC-7", "mc 7" or "MC_07" into
// prefix and sequence number.
func ParseName(raw string) (ParsedName, error) {
	s := strings.TrimSpace(spaceRe.ReplaceAllString(raw, " "))
	m := slugRe.FindStringSubmatch(s)
	if m == nil {
		return ParsedName{}, fmt.Errorf("unable to parse machine name: %q", raw)
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return ParsedName{}, fmt.Errorf("unable to parse sequence in machine name %q: %w", raw, err)
	}
	return ParsedName{Prefix: strings.ToUpper(m[1]), Seq: seq}, nil
}

// NormalizeName returns the canonical slug when raw looks like one, and the
// trimmed input otherwise. Names that do not follow the prefix-number scheme
// are legal; they are just not rewritten.
func NormalizeName(raw string) string {
	if p, err := ParseName(raw); err == nil {
		return p.String()
	}
	return strings.TrimSpace(raw)
}

// MachineFromTopic extracts the machine slug from a telemetry topic of the
// form "<machine-slug>/data".
func MachineFromTopic(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] != "data" {
		return ""
	}
	return parts[len(parts)-2]
}
