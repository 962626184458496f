package domain

import "encoding/json"

// Conversion selects the post-download conversion the external tool performs.
type Conversion string

const (
	ConversionNone  Conversion = "none"
	ConversionAudio Conversion = "audio"
	ConversionVideo Conversion = "video"
)

// Defaults applied to the format-related keys when a persisted params object lacks them.
const (
	DefaultVideoFormat   = ""
	DefaultAudioQuality  = "0"
	DefaultQualityPreset = "best (default)"
)

// Params is the Parameter Set a worker runs against. It holds only value fields,
// so assigning it copies it; a running worker never shares one with its task.
type Params struct {
	OutputDir      string     `json:"output_dir" yaml:"output_dir"`
	CookiesBrowser string     `json:"cookies_browser" yaml:"cookies_browser"`
	CookiesFile    string     `json:"cookies_file" yaml:"cookies_file"`
	Conversion     Conversion `json:"conversion" yaml:"conversion"`
	TargetFormat   string     `json:"target_format" yaml:"target_format"`
	VideoFormat    string     `json:"video_format" yaml:"video_format"`
	AudioQuality   string     `json:"audio_quality" yaml:"audio_quality"`
	QualityPreset  string     `json:"quality_preset" yaml:"quality_preset"`
	LimitRate      string     `json:"limit_rate" yaml:"limit_rate"`
	PostScript     string     `json:"post_script" yaml:"post_script"`
	ExtraArgs      string     `json:"extra_args" yaml:"extra_args"`
}

// UnmarshalJSON fills the format keys with their defaults before decoding, so
// documents written before those keys existed still load with sane values.
func (p *Params) UnmarshalJSON(data []byte) error {
	type plain Params
	v := plain{
		VideoFormat:   DefaultVideoFormat,
		AudioQuality:  DefaultAudioQuality,
		QualityPreset: DefaultQualityPreset,
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Params(v)
	return nil
}

// IsZero reports whether no field has been set.
func (p Params) IsZero() bool { return p == Params{} }
