// Package ytdlp knows how to talk to the external download tool: which
// arguments to pass for a Parameter Set and how to read the lines it prints.
// It never starts processes itself.
package ytdlp

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"

	"dlflow/internal/domain"
)

// DefaultOutputTemplate names files after the item title.
const DefaultOutputTemplate = "%(title)s.%(ext)s"

// ErrExtraArgs marks a free-form argument string that cannot be split.
var ErrExtraArgs = errors.New("invalid extra arguments")

var rateLimitRe = regexp.MustCompile(`(?i)^\d+(\.\d+)?([kmgt](i?b)?)?$`)

// ValidRateLimit reports whether s is a number with an optional K/M/G/T unit,
// e.g. "500K", "1.5M", "2MiB" or plain bytes.
func ValidRateLimit(s string) bool {
	return rateLimitRe.MatchString(strings.TrimSpace(s))
}

// Command is the argument vector for one download plus anything the builder
// chose to drop along the way.
type Command struct {
	Path     string
	Args     []string
	Warnings []string
}

// Argv returns the full vector including the executable, for logging.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// BuildCommand derives the download command from a Parameter Set. The result
// depends only on its inputs. An unsplittable extra-arguments string is an
// error; a malformed rate limit is dropped with a warning.
func BuildCommand(exe, url, outputTemplate string, p domain.Params) (Command, error) {
	if outputTemplate == "" {
		outputTemplate = DefaultOutputTemplate
	}
	c := Command{Path: exe}
	c.Args = []string{
		url,
		"-o", filepath.Join(p.OutputDir, outputTemplate),
		"--newline",
		"--ignore-errors",
		"--no-colors",
	}

	c.Args = append(c.Args, CookieArgs(p.CookiesFile, p.CookiesBrowser)...)

	if f := strings.TrimSpace(p.VideoFormat); f != "" {
		c.Args = append(c.Args, "-f", f)
	}

	switch p.Conversion {
	case domain.ConversionAudio:
		c.Args = append(c.Args, "-x")
		if p.TargetFormat != "" {
			c.Args = append(c.Args, "--audio-format", p.TargetFormat)
		}
		if q := strings.TrimSpace(p.AudioQuality); q != "" {
			c.Args = append(c.Args, "--audio-quality", q)
		}
	case domain.ConversionVideo:
		if p.TargetFormat != "" {
			c.Args = append(c.Args, "--recode-video", p.TargetFormat)
		}
	}

	if r := strings.TrimSpace(p.LimitRate); r != "" {
		if ValidRateLimit(r) {
			c.Args = append(c.Args, "-r", r)
		} else {
			c.Warnings = append(c.Warnings, fmt.Sprintf("ignoring malformed rate limit %q", p.LimitRate))
		}
	}

	extra, err := SplitArgs(p.ExtraArgs)
	if err != nil {
		return Command{}, err
	}
	c.Args = append(c.Args, extra...)
	return c, nil
}

// CookieArgs picks the cookie source. A cookie file wins over a browser.
func CookieArgs(file, browser string) []string {
	if strings.TrimSpace(file) != "" {
		return []string{"--cookies", file}
	}
	b := strings.ToLower(strings.TrimSpace(browser))
	if b != "" && b != "none" {
		return []string{"--cookies-from-browser", b}
	}
	return nil
}

// SplitArgs splits s with shell quoting rules.
func SplitArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtraArgs, err)
	}
	return args, nil
}
