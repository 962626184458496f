package ytdlp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlflow/internal/domain"
)

func TestBuildCommand_Baseline(t *testing.T) {
	c, err := BuildCommand("/usr/bin/yt-dlp", "https://example.com/v", "", domain.Params{OutputDir: "/out"})
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/yt-dlp", c.Path)
	assert.Equal(t, []string{
		"https://example.com/v",
		"-o", "/out/%(title)s.%(ext)s",
		"--newline", "--ignore-errors", "--no-colors",
	}, c.Args)
	assert.Empty(t, c.Warnings)
	assert.Equal(t, "/usr/bin/yt-dlp", c.Argv()[0])
}

func TestBuildCommand_AudioExtract(t *testing.T) {
	p := domain.Params{
		OutputDir:      "/out",
		CookiesBrowser: "Firefox",
		Conversion:     domain.ConversionAudio,
		TargetFormat:   "mp3",
		VideoFormat:    "bestaudio/best",
		AudioQuality:   "0",
		LimitRate:      "1.5M",
		ExtraArgs:      `--embed-thumbnail --parse-metadata "title:%(artist)s - %(title)s"`,
	}
	c, err := BuildCommand("yt-dlp", "u", "%(id)s.%(ext)s", p)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"u",
		"-o", "/out/%(id)s.%(ext)s",
		"--newline", "--ignore-errors", "--no-colors",
		"--cookies-from-browser", "firefox",
		"-f", "bestaudio/best",
		"-x", "--audio-format", "mp3", "--audio-quality", "0",
		"-r", "1.5M",
		"--embed-thumbnail", "--parse-metadata", "title:%(artist)s - %(title)s",
	}, c.Args)
}

func TestBuildCommand_VideoRecode(t *testing.T) {
	c, err := BuildCommand("yt-dlp", "u", "", domain.Params{OutputDir: "/o", Conversion: domain.ConversionVideo, TargetFormat: "mkv"})
	require.NoError(t, err)
	assert.Contains(t, c.Args, "--recode-video")
	assert.NotContains(t, c.Args, "-x")
}

func TestBuildCommand_Deterministic(t *testing.T) {
	p := domain.Params{OutputDir: "/o", CookiesFile: "/c.txt", ExtraArgs: "-a 'b c'"}
	a, err := BuildCommand("x", "u", "", p)
	require.NoError(t, err)
	b, err := BuildCommand("x", "u", "", p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildCommand_MalformedRateLimitIsDropped(t *testing.T) {
	c, err := BuildCommand("x", "u", "", domain.Params{OutputDir: "/o", LimitRate: "fast"})
	require.NoError(t, err)
	assert.NotContains(t, c.Args, "-r")
	require.Len(t, c.Warnings, 1)
	assert.Contains(t, c.Warnings[0], "fast")
}

func TestBuildCommand_MalformedExtraArgsFails(t *testing.T) {
	_, err := BuildCommand("x", "u", "", domain.Params{OutputDir: "/o", ExtraArgs: `--foo "unterminated`})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExtraArgs))
}

func TestCookieArgs(t *testing.T) {
	assert.Equal(t, []string{"--cookies", "/c.txt"}, CookieArgs("/c.txt", "chrome"))
	assert.Equal(t, []string{"--cookies-from-browser", "chrome"}, CookieArgs("", "Chrome"))
	assert.Nil(t, CookieArgs("", "None"))
	assert.Nil(t, CookieArgs(" ", ""))
}

func TestValidRateLimit(t *testing.T) {
	for _, ok := range []string{"500K", "1.5M", "2MiB", "100", "3g", "10KB"} {
		assert.True(t, ValidRateLimit(ok), ok)
	}
	for _, bad := range []string{"", "fast", "1.5.5M", "M", "10 K", "-1M"} {
		assert.False(t, ValidRateLimit(bad), bad)
	}
}
