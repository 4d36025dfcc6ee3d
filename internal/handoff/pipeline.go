package handoff

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/failure"
	"github.com/fxnlabs/uma-handoff/internal/metrics"
)

// StageResult is the outcome of one stage.
type StageResult struct {
	Name     string        `json:"name"`
	Device   Device        `json:"device"`
	Duration time.Duration `json:"duration"`
	// Barrier is set when the stage was followed by a drain and fence.
	Barrier bool `json:"barrier"`
}

// Report summarises a pipeline run.
type Report struct {
	Stages  []StageResult `json:"stages"`
	Elapsed time.Duration `json:"elapsed"`
}

// Barriers counts the barriers the pipeline inserted.
func (r Report) Barriers() int {
	n := 0
	for _, st := range r.Stages {
		if st.Barrier {
			n++
		}
	}
	return n
}

// Pipeline runs stages in order on a session, inserting a barrier whenever
// the next stage runs on a different device and after a final device stage.
type Pipeline struct {
	session *Session
	log     *zap.Logger
}

func NewPipeline(s *Session) *Pipeline {
	return &Pipeline{session: s, log: s.log.Named("pipeline")}
}

// Run executes stages and stops at the first failure. The returned report
// covers every stage that completed.
func (p *Pipeline) Run(ctx context.Context, stages ...Stage) (Report, error) {
	var report Report
	start := time.Now()

	for i, st := range stages {
		dev := st.Device()
		res := StageResult{Name: st.Name(), Device: dev}
		_, res.Barrier = st.(BarrierStage)
		stageStart := time.Now()

		err := st.Run(ctx, p.session)
		if err != nil {
			metrics.StageFailuresTotal.WithLabelValues(string(dev), failure.KindOf(err).String()).Inc()
		} else if needsBarrier(stages, i) {
			res.Barrier = true
			err = p.session.Barrier(ctx, dev)
		}
		res.Duration = time.Since(stageStart)

		if err != nil {
			p.log.Error("Stage failed",
				zap.Int("index", i),
				zap.String("stage", res.Name),
				zap.String("device", string(dev)),
				zap.Error(err),
			)
			report.Elapsed = time.Since(start)
			return report, fmt.Errorf("stage %d (%s on %s): %w", i, res.Name, dev, err)
		}

		metrics.StageDuration.WithLabelValues(string(dev), res.Name).Observe(float64(res.Duration.Microseconds()) / 1000)
		p.log.Info("Stage completed",
			zap.String("stage", res.Name),
			zap.String("device", string(dev)),
			zap.Duration("duration", res.Duration),
			zap.Bool("barrier", res.Barrier),
		)
		report.Stages = append(report.Stages, res)
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

func needsBarrier(stages []Stage, i int) bool {
	if _, explicit := stages[i].(BarrierStage); explicit {
		return false
	}
	dev := stages[i].Device()
	if i == len(stages)-1 {
		return dev != CPU
	}
	return stages[i+1].Device() != dev
}
