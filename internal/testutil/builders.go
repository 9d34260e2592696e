package testutil

import (
	"encoding/json"
	"time"

	"github.com/streamfab/mediaq/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	assetID := "3e8f1a52-7c1d-4a79-9d14-2f8b05c9e101"
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Type:         model.JobTypeVideoTranscode,
			MediaAssetID: &assetID,
			Priority:     model.DefaultPriority,
			MaxAttempts:  model.DefaultMaxAttempts,
			Config:       minimalConfigFor(model.JobTypeVideoTranscode),
		},
	}
}

// WithType sets the job type (and swaps in a minimal valid config for it).
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	b.req.Config = minimalConfigFor(jobType)
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithConfig sets the job config.
func (b *JobRequestBuilder) WithConfig(config json.RawMessage) *JobRequestBuilder {
	b.req.Config = config
	return b
}

// WithConfigString sets the job config from a string.
func (b *JobRequestBuilder) WithConfigString(config string) *JobRequestBuilder {
	b.req.Config = json.RawMessage(config)
	return b
}

// WithMetadataString sets the job metadata from a string.
func (b *JobRequestBuilder) WithMetadataString(metadata string) *JobRequestBuilder {
	b.req.Metadata = json.RawMessage(metadata)
	return b
}

// WithMediaAsset sets the owning media asset reference and clears any derived asset.
func (b *JobRequestBuilder) WithMediaAsset(id string) *JobRequestBuilder {
	b.req.MediaAssetID = &id
	b.req.DerivedAssetID = nil
	return b
}

// WithDerivedAsset sets the owning derived asset reference and clears any media asset.
func (b *JobRequestBuilder) WithDerivedAsset(id string) *JobRequestBuilder {
	b.req.DerivedAssetID = &id
	b.req.MediaAssetID = nil
	return b
}

// WithMaxAttempts sets the retry budget.
func (b *JobRequestBuilder) WithMaxAttempts(n int) *JobRequestBuilder {
	b.req.MaxAttempts = n
	return b
}

// WithScheduledFor sets the earliest execution time.
func (b *JobRequestBuilder) WithScheduledFor(t time.Time) *JobRequestBuilder {
	b.req.ScheduledFor = &t
	return b
}

// Build returns the constructed request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

func minimalConfigFor(jobType model.JobType) json.RawMessage {
	switch jobType {
	case model.JobTypeVideoTranscode:
		return json.RawMessage(`{"source_key":"raw/sample.mov","target_key":"out/sample.mp4","codec":"h264","container":"mp4","resolution":"1920x1080"}`)
	case model.JobTypeImageProcess:
		return json.RawMessage(`{"source_key":"raw/photo.png","target_key":"out/photo.webp","format":"webp"}`)
	case model.JobTypeDocumentConvert:
		return json.RawMessage(`{"source_key":"raw/report.docx","target_key":"out/report.pdf","target_format":"pdf"}`)
	case model.JobTypeAudioProcess:
		return json.RawMessage(`{"source_key":"raw/track.wav","target_key":"out/track.aac","codec":"aac"}`)
	case model.JobTypeThumbnailGenerate:
		return json.RawMessage(`{"source_key":"raw/clip.mp4","target_prefix":"thumbs/clip","width":320,"height":180}`)
	default:
		return json.RawMessage(`{}`)
	}
}
