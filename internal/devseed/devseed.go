// Package devseed populates a development environment with sample media
// jobs and provides the simulated processor the dev worker runs them with.
// Nothing in this package is wired up outside development mode.
package devseed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamfab/mediaq/internal/domain/model"
	"github.com/streamfab/mediaq/internal/service"
)

// seedSpec describes one sample job to create.
type seedSpec struct {
	name     string
	request  model.CreateJobRequest
	schedule time.Duration // >0 delays the job via ScheduledFor
}

func sampleSeeds() []seedSpec {
	asset := func(id string) *string { return &id }

	return []seedSpec{
		{
			name: "sample 1080p transcode",
			request: model.CreateJobRequest{
				Type:         model.JobTypeVideoTranscode,
				MediaAssetID: asset("d2f1a9a0-5c1e-4f7a-9b62-0d6a5f2b3c01"),
				Config: mustJSON(model.VideoTranscodeConfig{
					SourceKey:  "uploads/demo/source.mov",
					TargetKey:  "renditions/demo/1080p.mp4",
					Codec:      "h264",
					Container:  "mp4",
					Resolution: "1920x1080",
					BitrateKbs: 6000,
				}),
				Priority: 7,
			},
		},
		{
			name: "sample image resize",
			request: model.CreateJobRequest{
				Type:         model.JobTypeImageProcess,
				MediaAssetID: asset("d2f1a9a0-5c1e-4f7a-9b62-0d6a5f2b3c02"),
				Config: mustJSON(model.ImageProcessConfig{
					SourceKey: "uploads/demo/cover.png",
					TargetKey: "processed/demo/cover.webp",
					Format:    "webp",
					MaxWidth:  2048,
					Quality:   85,
				}),
			},
		},
		{
			name: "sample document conversion",
			request: model.CreateJobRequest{
				Type:         model.JobTypeDocumentConvert,
				MediaAssetID: asset("d2f1a9a0-5c1e-4f7a-9b62-0d6a5f2b3c03"),
				Config: mustJSON(model.DocumentConvertConfig{
					SourceKey:    "uploads/demo/manual.docx",
					TargetKey:    "processed/demo/manual.pdf",
					TargetFormat: "pdf",
				}),
				Priority: 3,
			},
		},
		{
			name: "sample audio normalisation",
			request: model.CreateJobRequest{
				Type:         model.JobTypeAudioProcess,
				MediaAssetID: asset("d2f1a9a0-5c1e-4f7a-9b62-0d6a5f2b3c04"),
				Config: mustJSON(model.AudioProcessConfig{
					SourceKey:  "uploads/demo/podcast.wav",
					TargetKey:  "processed/demo/podcast.aac",
					Codec:      "aac",
					BitrateKbs: 192,
					Normalize:  true,
				}),
			},
		},
		{
			name: "sample deferred thumbnails",
			request: model.CreateJobRequest{
				Type:         model.JobTypeThumbnailGenerate,
				MediaAssetID: asset("d2f1a9a0-5c1e-4f7a-9b62-0d6a5f2b3c01"),
				Config: mustJSON(model.ThumbnailGenerateConfig{
					SourceKey:    "uploads/demo/source.mov",
					TargetPrefix: "thumbs/demo/",
					Width:        320,
					Height:       180,
					OffsetSecs:   12.5,
				}),
				Priority: 2,
			},
			schedule: 2 * time.Minute,
		},
	}
}

// Run creates the sample jobs through the job service. Individual failures
// are logged and skipped so a partially seeded database does not block
// startup. Repeated startups create fresh sample jobs, which is acceptable
// for a dev database.
func Run(ctx context.Context, jobs *service.JobService, logger *slog.Logger) error {
	if jobs == nil {
		return fmt.Errorf("devseed: job service is required")
	}
	log := logger
	if log == nil {
		log = slog.Default()
	}

	created := 0
	for _, seed := range sampleSeeds() {
		req := seed.request
		if seed.schedule > 0 {
			at := time.Now().Add(seed.schedule)
			req.ScheduledFor = &at
		}
		job, err := jobs.Create(ctx, &req)
		if err != nil {
			log.WarnContext(ctx, "failed to seed job", "name", seed.name, "error", err)
			continue
		}
		created++
		log.InfoContext(ctx, "seeded job", "name", seed.name, "job_id", job.ID, "type", job.Type)
	}

	log.InfoContext(ctx, "development seeding complete", "created", created)
	return nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
