package devseed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
)

// ProcessorOptions configures the simulated processor.
type ProcessorOptions struct {
	Logger *slog.Logger

	// StepDelay is the pause between progress steps. Defaults to 200ms.
	StepDelay time.Duration

	// FailEvery makes every Nth attempt fail, exercising the retry path.
	// Zero disables injected failures.
	FailEvery int
}

// SimulatedProcessor is a core.MediaProcessor that pretends to do media
// work: it walks progress to 100 in steps and fabricates a plausible
// result per job type. It exists so a development deployment has an
// end-to-end pipeline without a real transcoding engine behind it.
type SimulatedProcessor struct {
	logger    *slog.Logger
	stepDelay time.Duration
	failEvery int
	attempts  atomic.Int64
}

// NewSimulatedProcessor constructs the dev processor.
func NewSimulatedProcessor(opts ProcessorOptions) *SimulatedProcessor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stepDelay := opts.StepDelay
	if stepDelay <= 0 {
		stepDelay = 200 * time.Millisecond
	}
	return &SimulatedProcessor{
		logger:    logger.With("component", "simulated_processor"),
		stepDelay: stepDelay,
		failEvery: opts.FailEvery,
	}
}

// Process walks the job's progress in steps and returns a fabricated
// result. Cancellation is honoured between steps.
func (p *SimulatedProcessor) Process(ctx context.Context, job *model.Job, report core.ProgressFunc) (model.JobResult, error) {
	started := time.Now()

	attempt := p.attempts.Add(1)
	if p.failEvery > 0 && attempt%int64(p.failEvery) == 0 {
		return model.JobResult{}, fmt.Errorf("simulated failure on attempt %d", attempt)
	}

	cfg, err := model.DecodeConfig(job.Type, job.Config)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("simulated processing: %w", err)
	}

	for _, progress := range []int{10, 35, 60, 85} {
		select {
		case <-ctx.Done():
			return model.JobResult{}, ctx.Err()
		case <-time.After(p.stepDelay):
		}
		if report != nil {
			report(progress)
		}
	}

	result := fabricateResult(job.Type, cfg)
	result.DurationMS = time.Since(started).Milliseconds()

	p.logger.InfoContext(ctx, "simulated job processed",
		"job_id", job.ID, "type", job.Type, "duration_ms", result.DurationMS)
	return result, nil
}

func fabricateResult(jobType model.JobType, cfg any) model.JobResult {
	result := model.JobResult{
		OutputBytes: rand.Int63n(256<<20) + 1<<20,
		Extra:       map[string]any{"simulated": true},
	}

	switch c := cfg.(type) {
	case *model.VideoTranscodeConfig:
		result.OutputKeys = []string{c.TargetKey}
		result.Extra["codec"] = c.Codec
	case *model.ImageProcessConfig:
		result.OutputKeys = []string{c.TargetKey}
		result.Extra["format"] = c.Format
	case *model.DocumentConvertConfig:
		result.OutputKeys = []string{c.TargetKey}
		result.Extra["target_format"] = c.TargetFormat
	case *model.AudioProcessConfig:
		result.OutputKeys = []string{c.TargetKey}
		result.Extra["codec"] = c.Codec
	case *model.ThumbnailGenerateConfig:
		for i := 0; i < 3; i++ {
			result.OutputKeys = append(result.OutputKeys,
				fmt.Sprintf("%sthumb_%03d.jpg", c.TargetPrefix, i))
		}
	default:
		result.OutputKeys = []string{"processed/" + string(jobType)}
	}

	return result
}
