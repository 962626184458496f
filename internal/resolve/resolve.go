// Package resolve turns a user-supplied link into the list of downloadable
// items behind it by asking the external tool for a metadata dump.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dlflow/internal/ytdlp"
)

const DefaultTimeout = 60 * time.Second

// Request carries the link plus the cookie and extra-argument settings the
// metadata dump should run with.
type Request struct {
	URL            string `json:"url"`
	CookiesFile    string `json:"cookies_file"`
	CookiesBrowser string `json:"cookies_browser"`
	ExtraArgs      string `json:"extra_args"`
}

type Resolver struct {
	Executable string
	Timeout    time.Duration
}

func New(executable string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{Executable: executable, Timeout: timeout}
}

// Resolve tries a flat playlist listing first and falls back to a full dump
// when that fails or the link is not a playlist.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]ytdlp.Entry, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	logger := log.With().Str("url", url).Logger()

	extra, err := ytdlp.SplitArgs(req.ExtraArgs)
	if err != nil {
		logger.Warn().Err(err).Msg("ignoring extra arguments for resolution")
		extra = nil
	}

	flatOut, flatErr := r.dump(ctx, ytdlp.InfoArgs(url, req.CookiesFile, req.CookiesBrowser, extra, true))
	if flatErr == nil {
		entries, ok, err := ytdlp.DecodeFlat(flatOut, url)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Info().Int("entries", len(entries)).Msg("playlist resolved")
			return entries, nil
		}
	} else if errors.Is(flatErr, context.Canceled) {
		return nil, flatErr
	}

	fullOut, fullErr := r.dump(ctx, ytdlp.InfoArgs(url, req.CookiesFile, req.CookiesBrowser, extra, false))
	if fullErr != nil {
		if flatErr != nil {
			return nil, fmt.Errorf("resolve %s: playlist attempt: %v; single attempt: %w", url, flatErr, fullErr)
		}
		return nil, fmt.Errorf("resolve %s: %w", url, fullErr)
	}
	entries, err := ytdlp.DecodeSingle(fullOut, url)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("entries", len(entries)).Msg("link resolved")
	return entries, nil
}

// dump runs one metadata invocation and returns its stdout. Empty output
// counts as a failure.
func (r *Resolver) dump(ctx context.Context, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", r.Timeout)
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("%v: %s", err, truncate(strings.TrimSpace(stderr.String()), 500))
	}
	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return nil, fmt.Errorf("empty output")
	}
	return stdout.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
