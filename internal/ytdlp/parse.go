package ytdlp

import (
	"path/filepath"
	"regexp"
	"strings"
)

// ProgressPrefix marks a per-item progress line.
const ProgressPrefix = "[download]"

var (
	speedRe   = regexp.MustCompile(`(?i)at\s+([0-9.]+\s*(?:[KMGT]iB|[KMGTB])/s)`)
	percentRe = regexp.MustCompile(`\d+(?:\.\d+)?%`)
	tagRe     = regexp.MustCompile(`^\[[A-Za-z0-9_:-]+\]\s*`)
)

// statusPrefixes are sub-tool tags whose lines are worth showing as status.
var statusPrefixes = []string{
	"[ffmpeg]", "[ExtractAudio]", "[Merger]", "[Recode]", "[VideoConvertor]",
	"[FixupM3u8]", "[FixupTimestamp]", "[FixupDuration]", "[MoveFiles]",
}

// statusPhrases appear anywhere in a line, matched case-insensitively.
var statusPhrases = []string{
	"has already been downloaded",
	"has already been recorded",
}

// destMarker is a phrasing after which the rest of the line names the output file.
type destMarker struct {
	prefix string
	label  string
}

// destMarkers are matched against the line with its leading "[tag] " removed.
var destMarkers = []destMarker{
	{`Destination: `, "Destination"},
	{`Merging formats into "`, "Merging formats into"},
	{`Recoding to "`, "Recoding to"},
	{`Already downloaded and merged to "`, "Already downloaded and merged to"},
}

// moveMarkers are phrasings whose destination follows a " to " separator.
// A marker that itself ends in " to " is followed directly by the destination.
var moveMarkers = []string{
	"Moving file ",
	"Moving item from ",
	"Fixing MPEG2 transport stream to ",
}

// inlineDestination catches converters that append "; Destination: <path>".
const inlineDestination = "; Destination: "

// alreadyDownloadedSuffix follows the file path in skip notices.
const alreadyDownloadedSuffix = " has already been downloaded"

// Line is what one output line means. Empty fields mean the line said nothing
// about that aspect.
type Line struct {
	Progress   string
	Speed      string
	ClearSpeed bool
	Status     string
	Path       string
	PathLabel  string
}

// IsZero reports a line that carried nothing recognisable. Such lines are ignored.
func (l Line) IsZero() bool { return l == Line{} }

// Classify interprets a single line of tool output.
func Classify(raw string) Line {
	line := strings.TrimSpace(raw)
	var out Line
	if line == "" {
		return out
	}

	if strings.HasPrefix(line, ProgressPrefix) {
		out.Progress = line
		if m := speedRe.FindStringSubmatch(line); m != nil {
			out.Speed = strings.TrimSpace(m[1])
		} else if percentRe.MatchString(line) {
			out.ClearSpeed = true
		}
	} else if isStatusLine(line) {
		out.Status = line
	}
	if out.Status == "" && containsFold(line, statusPhrases) {
		out.Status = line
	}

	if p, label := extractPath(line); p != "" {
		out.Path, out.PathLabel = p, label
	}
	return out
}

func isStatusLine(line string) bool {
	for _, p := range statusPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(line), "error:")
}

func containsFold(line string, phrases []string) bool {
	lower := strings.ToLower(line)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// extractPath finds a candidate output path in a line and returns it with a
// short label of the phrasing that produced it.
func extractPath(line string) (string, string) {
	body := tagRe.ReplaceAllString(line, "")

	for _, m := range moveMarkers {
		if strings.HasPrefix(body, m) {
			if p := acceptPath(moveDestination(body[len(m):], strings.HasSuffix(m, " to "))); p != "" {
				return p, "Moved to"
			}
			return "", ""
		}
	}

	for _, m := range destMarkers {
		if strings.HasPrefix(body, m.prefix) {
			if p := acceptPath(body[len(m.prefix):]); p != "" {
				return p, m.label
			}
			return "", ""
		}
	}

	if i := strings.Index(body, inlineDestination); i >= 0 {
		if p := acceptPath(body[i+len(inlineDestination):]); p != "" {
			return p, "Destination"
		}
	}

	if i := strings.Index(body, alreadyDownloadedSuffix); i > 0 {
		if p := acceptPath(body[:i]); p != "" {
			return p, "Already downloaded"
		}
	}
	return "", ""
}

// moveDestination returns the text naming the destination of a move. A quoted
// source ends at the first `" to "`, so names containing " to " survive;
// otherwise the split is at the first " to ".
func moveDestination(rest string, direct bool) string {
	if direct {
		return rest
	}
	if strings.HasPrefix(rest, `"`) {
		if i := strings.Index(rest[1:], `" to `); i >= 0 {
			return rest[1+i+len(`" to `):]
		}
	}
	if i := strings.Index(rest, " to "); i >= 0 {
		return rest[i+len(" to "):]
	}
	return ""
}

// acceptPath cleans a candidate and rejects text that does not look like a
// file name: the base name needs an extension-like dot and more than three
// characters.
func acceptPath(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, " (frag"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(strings.Trim(s, `"'`))
	if s == "" {
		return ""
	}
	base := filepath.Base(s)
	if !strings.Contains(base, ".") || len(base) <= 3 {
		return ""
	}
	return s
}

// Parser accumulates state across the lines of one run. The most recently
// accepted path wins and later lines without a path never clear it.
type Parser struct {
	path string
}

// Feed classifies a line and remembers any captured path.
func (p *Parser) Feed(raw string) Line {
	l := Classify(raw)
	if l.Path != "" {
		p.path = l.Path
	}
	return l
}

// Path is the last captured output path, or "".
func (p *Parser) Path() string { return p.path }
