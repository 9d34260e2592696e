package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job configuration is stored as JSON on the record, but each job type has a
// strict variant decoded from it. Producers carry ad-hoc settings under the
// "extra" key; keys outside a variant's schema are ignored by the decoder.

// VideoTranscodeConfig configures a video transcoding job.
type VideoTranscodeConfig struct {
	SourceKey  string         `json:"source_key"`
	TargetKey  string         `json:"target_key"`
	Codec      string         `json:"codec"`
	Container  string         `json:"container"`
	Resolution string         `json:"resolution,omitempty"`
	BitrateKbs int            `json:"bitrate_kbs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ImageProcessConfig configures an image processing job.
type ImageProcessConfig struct {
	SourceKey string         `json:"source_key"`
	TargetKey string         `json:"target_key"`
	Format    string         `json:"format"`
	MaxWidth  int            `json:"max_width,omitempty"`
	MaxHeight int            `json:"max_height,omitempty"`
	Quality   int            `json:"quality,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// DocumentConvertConfig configures a document conversion job.
type DocumentConvertConfig struct {
	SourceKey    string         `json:"source_key"`
	TargetKey    string         `json:"target_key"`
	TargetFormat string         `json:"target_format"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// AudioProcessConfig configures an audio processing job.
type AudioProcessConfig struct {
	SourceKey  string         `json:"source_key"`
	TargetKey  string         `json:"target_key"`
	Codec      string         `json:"codec"`
	BitrateKbs int            `json:"bitrate_kbs,omitempty"`
	Normalize  bool           `json:"normalize,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ThumbnailGenerateConfig configures a thumbnail generation job.
type ThumbnailGenerateConfig struct {
	SourceKey    string         `json:"source_key"`
	TargetPrefix string         `json:"target_prefix"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	OffsetSecs   float64        `json:"offset_secs,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type configValidator interface {
	validate() error
}

func (c *VideoTranscodeConfig) validate() error {
	if c.SourceKey == "" || c.TargetKey == "" {
		return errors.New("source_key and target_key are required")
	}
	if c.Codec == "" {
		return errors.New("codec is required")
	}
	return nil
}

func (c *ImageProcessConfig) validate() error {
	if c.SourceKey == "" || c.TargetKey == "" {
		return errors.New("source_key and target_key are required")
	}
	if c.Format == "" {
		return errors.New("format is required")
	}
	return nil
}

func (c *DocumentConvertConfig) validate() error {
	if c.SourceKey == "" || c.TargetKey == "" {
		return errors.New("source_key and target_key are required")
	}
	if c.TargetFormat == "" {
		return errors.New("target_format is required")
	}
	return nil
}

func (c *AudioProcessConfig) validate() error {
	if c.SourceKey == "" || c.TargetKey == "" {
		return errors.New("source_key and target_key are required")
	}
	if c.Codec == "" {
		return errors.New("codec is required")
	}
	return nil
}

func (c *ThumbnailGenerateConfig) validate() error {
	if c.SourceKey == "" || c.TargetPrefix == "" {
		return errors.New("source_key and target_prefix are required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.New("width and height must be positive")
	}
	return nil
}

func newConfigVariant(jobType JobType) (configValidator, error) {
	switch jobType {
	case JobTypeVideoTranscode:
		return &VideoTranscodeConfig{}, nil
	case JobTypeImageProcess:
		return &ImageProcessConfig{}, nil
	case JobTypeDocumentConvert:
		return &DocumentConvertConfig{}, nil
	case JobTypeAudioProcess:
		return &AudioProcessConfig{}, nil
	case JobTypeThumbnailGenerate:
		return &ThumbnailGenerateConfig{}, nil
	default:
		return nil, fmt.Errorf("no config variant for job type %q", jobType)
	}
}

// DecodeConfig decodes a raw config blob into the strict variant for the
// given job type and validates it.
func DecodeConfig(jobType JobType, raw json.RawMessage) (any, error) {
	variant, err := newConfigVariant(jobType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, variant); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", jobType, err)
	}
	if err := variant.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", jobType, err)
	}
	return variant, nil
}

// ValidateConfig checks that a raw config blob decodes into a valid variant
// for the given job type.
func ValidateConfig(jobType JobType, raw json.RawMessage) error {
	_, err := DecodeConfig(jobType, raw)
	return err
}

// JobResult is the type-tagged execution result a worker records on
// completion. Output keys and metrics are variant-specific; Extra carries
// genuinely type-specific extension fields.
type JobResult struct {
	OutputKeys  []string       `json:"output_keys,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	OutputBytes int64          `json:"output_bytes,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// EncodeResult marshals a JobResult for storage on the record.
func EncodeResult(res JobResult) (json.RawMessage, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return raw, nil
}

// DecodeResult unmarshals a stored result blob. Returns a zero result for
// an empty blob.
func DecodeResult(raw json.RawMessage) (JobResult, error) {
	var res JobResult
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("decode job result: %w", err)
	}
	return res, nil
}
