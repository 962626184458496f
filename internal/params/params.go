// Package params builds and validates the Parameter Set handed to a worker.
package params

import (
	"fmt"
	"os"
	"strings"

	"dlflow/internal/domain"
)

// Quality presets. The label is what users pick and what gets persisted; the
// format selector is what the external tool receives.
const (
	PresetBest      = domain.DefaultQualityPreset
	Preset2160      = "2160p"
	Preset1440      = "1440p"
	Preset1080      = "1080p"
	Preset720       = "720p"
	Preset480       = "480p"
	Preset360       = "360p"
	PresetAudioBest = "audio only (best)"
	PresetAudioAAC  = "audio only (aac)"
	PresetAudioMP3  = "audio only (mp3)"
)

var presetFormats = map[string]string{
	PresetBest:      "",
	Preset2160:      heightCapped(2160),
	Preset1440:      heightCapped(1440),
	Preset1080:      heightCapped(1080),
	Preset720:       heightCapped(720),
	Preset480:       heightCapped(480),
	Preset360:       heightCapped(360),
	PresetAudioBest: "bestaudio/best",
	PresetAudioAAC:  "bestaudio[ext=m4a]/bestaudio[acodec=aac]",
	// mp3 comes from audio extraction with target format mp3, selection stays generic
	PresetAudioMP3: "bestaudio/best",
}

// Presets lists the known preset labels, best first.
func Presets() []string {
	return []string{
		PresetBest, Preset2160, Preset1440, Preset1080, Preset720, Preset480, Preset360,
		PresetAudioBest, PresetAudioAAC, PresetAudioMP3,
	}
}

func heightCapped(h int) string {
	return fmt.Sprintf("bestvideo[height<=?%d]+bestaudio/best[height<=?%d]", h, h)
}

// FormatForPreset returns the format selector for a preset label.
func FormatForPreset(preset string) (string, error) {
	f, ok := presetFormats[preset]
	if !ok {
		return "", fmt.Errorf("unknown quality preset %q", preset)
	}
	return f, nil
}

// AudioQualityValue accepts either a bare selector ("0", "128K") or a labelled
// one such as "best (0)" and returns the selector.
func AudioQualityValue(s string) string {
	s = strings.TrimSpace(s)
	lo, hi := strings.Index(s, "("), strings.LastIndex(s, ")")
	if lo >= 0 && hi > lo {
		if v := strings.TrimSpace(s[lo+1 : hi]); v != "" {
			return v
		}
	}
	return s
}

// Normalize fills derived fields: the format selector follows the preset when
// the caller did not pick one explicitly, the audio quality is reduced to its
// selector and an empty conversion becomes none.
func Normalize(p domain.Params) (domain.Params, error) {
	if p.QualityPreset == "" {
		p.QualityPreset = PresetBest
	}
	if p.VideoFormat == "" {
		f, err := FormatForPreset(p.QualityPreset)
		if err != nil {
			return p, err
		}
		p.VideoFormat = f
	}
	if p.AudioQuality == "" {
		p.AudioQuality = domain.DefaultAudioQuality
	}
	p.AudioQuality = AudioQualityValue(p.AudioQuality)

	switch p.Conversion {
	case "":
		p.Conversion = domain.ConversionNone
	case domain.ConversionNone, domain.ConversionAudio, domain.ConversionVideo:
	default:
		return p, fmt.Errorf("unknown conversion mode %q", p.Conversion)
	}
	if strings.EqualFold(p.CookiesBrowser, "none") {
		p.CookiesBrowser = ""
	}
	return p, nil
}

// EnsureOutputDir makes sure dir exists as a directory, creating it when missing.
func EnsureOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("%w: empty path", domain.ErrInvalidOutputDir)
	}
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidOutputDir, dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOutputDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOutputDir, err)
	}
	return nil
}

// Repair returns a Parameter Set with a usable output directory. The task's
// own directory wins; otherwise the task adopts the current defaults (keeping
// any format keys it already has). It errors when neither directory works.
func Repair(p, defaults domain.Params) (domain.Params, bool, error) {
	if err := EnsureOutputDir(p.OutputDir); err == nil {
		return p, false, nil
	}
	if err := EnsureOutputDir(defaults.OutputDir); err != nil {
		return p, false, err
	}
	if p.IsZero() {
		return defaults, true, nil
	}
	p.OutputDir = defaults.OutputDir
	return p, true, nil
}
