// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package detector

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
)

// DetectionStore persists detections idempotently.
type DetectionStore interface {
	InsertDetections(ctx context.Context, projectID string, dets []models.Detection) ([]models.IngestResult, error)
}

// SummaryStore rebuilds a project's summary from its stored detections.
type SummaryStore interface {
	CountDetectionsByLabel(ctx context.Context, projectID string) (map[string]int, error)
	SaveSummary(ctx context.Context, s *models.Summary) error
}

// ProjectSource checks that a project exists.
type ProjectSource interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// Analysis is the outcome of one ingested image.
type Analysis struct {
	ProjectID   string                `json:"project_id"`
	Date        time.Time             `json:"date"`
	Detections  []models.IngestResult `json:"detections"`
	Inserted    int                   `json:"inserted"`
	Duplicates  int                   `json:"duplicates"`
	ImageSize   ImageSize             `json:"image_size"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
	ResultImage string                `json:"result_image,omitempty"`
	// Summary is the project summary written after this analysis. It is
	// nil when the write failed.
	Summary *models.Summary `json:"summary,omitempty"`
}

// IngestorConfig tunes an Ingestor.
type IngestorConfig struct {
	// RequestsPerMinute caps outbound detector calls. Zero disables the limit.
	RequestsPerMinute int
	DefaultConfidence float64
	DefaultIoU        float64
}

// Ingestor runs images through the detector and stores the results. After
// each image it overwrites the project summary with a single "Not Specified"
// bucket counting every stored detection per label; the next map recompute
// replaces that with per-region counts.
type Ingestor struct {
	predictor Predictor
	store     DetectionStore
	summaries SummaryStore
	projects  ProjectSource
	limiter   *rate.Limiter
	cfg       IngestorConfig
	now       func() time.Time
}

// NewIngestor creates an ingestor. summaries may be nil, in which case no
// summary is written.
func NewIngestor(p Predictor, store DetectionStore, summaries SummaryStore, projects ProjectSource, cfg IngestorConfig) *Ingestor {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Ingestor{
		predictor: p,
		store:     store,
		summaries: summaries,
		projects:  projects,
		limiter:   limiter,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Analyze checks the project, waits for a rate limit token, runs detection
// and stores every returned detection. Unset confidence and IoU fall back to
// the configured defaults.
func (i *Ingestor) Analyze(ctx context.Context, projectID string, req PredictRequest) (*Analysis, error) {
	if _, err := i.projects.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if req.Confidence <= 0 {
		req.Confidence = i.cfg.DefaultConfidence
	}
	if req.IoU <= 0 {
		req.IoU = i.cfg.DefaultIoU
	}

	if err := i.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for detector rate limit: %w", err)
	}

	log := logging.Ctx(ctx).With().Str("project_id", projectID).Str("model", req.Model).Logger()
	start := time.Now()

	resp, err := i.predictor.Predict(ctx, req)
	if err != nil {
		log.Error().Err(err).Msg("Detector call failed")
		return nil, err
	}

	now := i.now().UTC()
	results, err := i.store.InsertDetections(ctx, projectID, resp.ToDetections(projectID, now))
	if err != nil {
		return nil, fmt.Errorf("store detections: %w", err)
	}

	a := &Analysis{
		ProjectID:   projectID,
		Date:        now,
		Detections:  results,
		ImageSize:   resp.ImageSize,
		Metadata:    resp.Metadata,
		ResultImage: resp.ResultImage,
	}
	for _, r := range results {
		if r.Duplicate {
			a.Duplicates++
		} else {
			a.Inserted++
		}
	}
	metrics.RecordIngest(a.Inserted, a.Duplicates)

	if i.summaries != nil {
		sum, err := i.writeSummary(ctx, projectID, req.Model, now)
		if err != nil {
			metrics.SummaryPersistFailures.Inc()
			log.Error().Err(err).Msg("Failed to update project summary after analysis")
		}
		a.Summary = sum
	}

	log.Info().
		Int("inserted", a.Inserted).
		Int("duplicates", a.Duplicates).
		Dur("duration", time.Since(start)).
		Msg("Image analyzed")
	return a, nil
}

// writeSummary overwrites the project summary with per-label totals of all
// stored detections. A failure does not undo the stored detections.
func (i *Ingestor) writeSummary(ctx context.Context, projectID, model string, at time.Time) (*models.Summary, error) {
	counts, err := i.summaries.CountDetectionsByLabel(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("count detections: %w", err)
	}
	filters := []string{}
	if model != "" {
		filters = append(filters, model)
	}
	sum := &models.Summary{
		ProjectID:     projectID,
		LandCovers:    []models.LandCoverCount{{Name: models.NotSpecifiedLandCover, Counts: counts}},
		ActiveFilters: filters,
		RecordedAt:    at,
	}
	if err := i.summaries.SaveSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}
	return sum, nil
}
