// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package detector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/models"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

const predictBody = `{
  "detections": [
    {"label": "Tree", "coordinates": {"x1": 1, "y1": 2, "x2": 30, "y2": 40},
     "gps_coordinates": {"lat": 14.5, "lon": 121.0}, "confidence": 0.91},
    {"label": "Crop", "coordinates": {"x1": 5, "y1": 5, "x2": 9, "y2": 9}, "confidence": 0.4}
  ],
  "image_size": {"width": 640, "height": 480},
  "metadata": {"crs": "EPSG:32651", "converted_to": "EPSG:4326"}
}`

func newTestClient(url string) *Client {
	return NewClient(&config.DetectorConfig{URL: url, Timeout: 5 * time.Second})
}

func TestClient_Predict(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		for field, want := range map[string]string{"model": "tree", "confidence": "0.35", "iou": "0.5"} {
			if got := r.FormValue(field); got != want {
				t.Errorf("form %s = %q, want %q", field, got, want)
			}
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
		} else {
			body, _ := io.ReadAll(f)
			if string(body) != "fake-tiff" || hdr.Filename != "field.tif" {
				t.Errorf("file = %q (%s)", body, hdr.Filename)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(predictBody))
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Predict(context.Background(), PredictRequest{
		Image:      strings.NewReader("fake-tiff"),
		Filename:   "field.tif",
		Model:      "tree",
		Confidence: 0.35,
		IoU:        0.5,
	})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if len(resp.Detections) != 2 {
		t.Fatalf("detections = %d, want 2", len(resp.Detections))
	}
	if resp.ImageSize.Width != 640 || resp.Metadata["crs"] != "EPSG:32651" {
		t.Errorf("response = %+v", resp)
	}

	recorded := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dets := resp.ToDetections("p1", recorded)
	if dets[0].GeoPosition == nil || dets[0].GeoPosition.Lat != 14.5 {
		t.Errorf("first detection position = %+v", dets[0].GeoPosition)
	}
	if dets[1].GeoPosition != nil {
		t.Error("detection without gps_coordinates should have no position")
	}
	if dets[0].BBox != (models.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40}) || dets[0].ProjectID != "p1" || !dets[0].RecordedAt.Equal(recorded) {
		t.Errorf("first detection = %+v", dets[0])
	}
}

func TestClient_PredictErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		check   func(t *testing.T, err error)
		noImage bool
	}{
		{
			name:   "service error message",
			status: http.StatusInternalServerError,
			body:   `{"error":"Model 'tree' not loaded."}`,
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != 500 || se.Message != "Model 'tree' not loaded." {
					t.Errorf("error = %v, want StatusError 500 with message", err)
				}
			},
		},
		{
			name:   "plain text error",
			status: http.StatusBadGateway,
			body:   "upstream down\n",
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.Message != "upstream down" {
					t.Errorf("error = %v", err)
				}
			},
		},
		{
			name:   "missing detections",
			status: http.StatusOK,
			body:   `{"image_size":{"width":1,"height":1}}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrInvalidResponse) {
					t.Errorf("error = %v, want ErrInvalidResponse", err)
				}
			},
		},
		{
			name:   "malformed json",
			status: http.StatusOK,
			body:   `{"detections":`,
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected decode error")
				}
			},
		},
		{
			name:    "no image",
			noImage: true,
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected error for missing image")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			req := PredictRequest{Image: strings.NewReader("img"), Model: "tree"}
			if tt.noImage {
				req.Image = nil
			}
			_, err := newTestClient(server.URL).Predict(context.Background(), req)
			tt.check(t, err)
		})
	}
}

type fakePredictor struct {
	mu    sync.Mutex
	calls int
	err   error
	resp  *PredictResponse
	last  PredictRequest
}

func (f *fakePredictor) Predict(_ context.Context, req PredictRequest) (*PredictResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	t.Parallel()

	fake := &fakePredictor{err: errors.New("connection refused")}
	cb := NewCircuitBreakerClient(fake, DefaultBreakerSettings())

	for i := 0; i < 10; i++ {
		if _, err := cb.Predict(context.Background(), PredictRequest{}); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d rejected before the threshold", i)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	_, err := cb.Predict(context.Background(), PredictRequest{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if fake.calls != 10 {
		t.Errorf("calls reaching the service = %d, want 10", fake.calls)
	}
}

func TestCircuitBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	fake := &fakePredictor{err: &StatusError{StatusCode: http.StatusBadRequest, Message: "Invalid model"}}
	cb := NewCircuitBreakerClient(fake, DefaultBreakerSettings())

	for i := 0; i < 20; i++ {
		_, err := cb.Predict(context.Background(), PredictRequest{})
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("call %d error = %v, want StatusError", i, err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_MixedBelowThreshold(t *testing.T) {
	t.Parallel()

	fake := &fakePredictor{resp: &PredictResponse{Detections: []RawDetection{}}}
	cb := NewCircuitBreakerClient(fake, DefaultBreakerSettings())
	ctx := context.Background()

	// 5 failures out of 10 is 50%, below the 60% trip ratio.
	for i := 0; i < 10; i++ {
		fake.mu.Lock()
		if i%2 == 0 {
			fake.err = errors.New("timeout")
		} else {
			fake.err = nil
		}
		fake.mu.Unlock()
		_, _ = cb.Predict(ctx, PredictRequest{})
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

type fakeStore struct {
	mu      sync.Mutex
	seen    map[string]bool
	err     error
	saveErr error
	saved   *models.Summary
}

func (s *fakeStore) CountDetectionsByLabel(_ context.Context, projectID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for key := range s.seen {
		if label, ok := strings.CutPrefix(key, projectID+"|"); ok {
			counts[label]++
		}
	}
	return counts, nil
}

func (s *fakeStore) SaveSummary(_ context.Context, sum *models.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = sum
	return nil
}

func (s *fakeStore) InsertDetections(_ context.Context, projectID string, dets []models.Detection) ([]models.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	out := make([]models.IngestResult, 0, len(dets))
	for _, d := range dets {
		key := projectID + "|" + d.Label
		out = append(out, models.IngestResult{Detection: d, Duplicate: s.seen[key]})
		s.seen[key] = true
	}
	return out, nil
}

var errNoProject = errors.New("project not found")

type fakeProjects struct{}

func (fakeProjects) GetProject(_ context.Context, id string) (*models.Project, error) {
	if id != "p1" {
		return nil, errNoProject
	}
	return &models.Project{ID: id}, nil
}

func testResponse() *PredictResponse {
	return &PredictResponse{
		Detections: []RawDetection{
			{Label: "Tree", Coordinates: Coordinates{X1: 1, Y1: 1, X2: 2, Y2: 2}, Confidence: 0.9,
				GPSCoordinates: &models.GeoPosition{Lat: 1, Lon: 1}},
			{Label: "Crop", Coordinates: Coordinates{X1: 3, Y1: 3, X2: 4, Y2: 4}, Confidence: 0.7},
		},
		ImageSize: ImageSize{Width: 10, Height: 10},
	}
}

func TestIngestor_Analyze(t *testing.T) {
	t.Parallel()

	fake := &fakePredictor{resp: testResponse()}
	store := &fakeStore{}
	ing := NewIngestor(fake, store, store, fakeProjects{}, IngestorConfig{DefaultConfidence: 0.5, DefaultIoU: 0.45})
	ctx := context.Background()

	a, err := ing.Analyze(ctx, "p1", PredictRequest{Image: strings.NewReader("x"), Model: "tree"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if a.Inserted != 2 || a.Duplicates != 0 {
		t.Errorf("first analysis inserted=%d duplicates=%d", a.Inserted, a.Duplicates)
	}
	if fake.last.Confidence != 0.5 || fake.last.IoU != 0.45 {
		t.Errorf("defaults not applied: %+v", fake.last)
	}
	if a.Summary == nil || store.saved != a.Summary {
		t.Fatalf("summary = %+v, saved = %+v", a.Summary, store.saved)
	}
	if len(a.Summary.LandCovers) != 1 || a.Summary.LandCovers[0].Name != models.NotSpecifiedLandCover ||
		a.Summary.LandCovers[0].RegionID != nil {
		t.Errorf("summary land covers = %+v, want one Not Specified bucket", a.Summary.LandCovers)
	}
	if want := map[string]int{"Tree": 1, "Crop": 1}; !reflect.DeepEqual(a.Summary.LandCovers[0].Counts, want) {
		t.Errorf("summary counts = %v, want %v", a.Summary.LandCovers[0].Counts, want)
	}
	if !reflect.DeepEqual(a.Summary.ActiveFilters, []string{"tree"}) || !a.Summary.RecordedAt.Equal(a.Date) {
		t.Errorf("summary filters = %v at %v", a.Summary.ActiveFilters, a.Summary.RecordedAt)
	}

	a, err = ing.Analyze(ctx, "p1", PredictRequest{Image: strings.NewReader("x"), Model: "tree", Confidence: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	if a.Inserted != 0 || a.Duplicates != 2 {
		t.Errorf("second analysis inserted=%d duplicates=%d, want all duplicates", a.Inserted, a.Duplicates)
	}
	if fake.last.Confidence != 0.8 {
		t.Errorf("explicit confidence overridden: %v", fake.last.Confidence)
	}
	for _, r := range a.Detections {
		if !r.Detection.RecordedAt.Equal(a.Date) {
			t.Errorf("detection time %v != analysis time %v", r.Detection.RecordedAt, a.Date)
		}
	}
}

func TestIngestor_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown project skips detector", func(t *testing.T) {
		fake := &fakePredictor{resp: testResponse()}
		ing := NewIngestor(fake, &fakeStore{}, nil, fakeProjects{}, IngestorConfig{})
		if _, err := ing.Analyze(ctx, "nope", PredictRequest{}); !errors.Is(err, errNoProject) {
			t.Errorf("error = %v", err)
		}
		if fake.calls != 0 {
			t.Errorf("detector called %d times", fake.calls)
		}
	})

	t.Run("detector failure", func(t *testing.T) {
		boom := errors.New("boom")
		ing := NewIngestor(&fakePredictor{err: boom}, &fakeStore{}, nil, fakeProjects{}, IngestorConfig{})
		if _, err := ing.Analyze(ctx, "p1", PredictRequest{}); !errors.Is(err, boom) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		boom := errors.New("disk full")
		ing := NewIngestor(&fakePredictor{resp: testResponse()}, &fakeStore{err: boom}, nil, fakeProjects{}, IngestorConfig{})
		if _, err := ing.Analyze(ctx, "p1", PredictRequest{}); !errors.Is(err, boom) {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("summary failure keeps detections", func(t *testing.T) {
		store := &fakeStore{saveErr: errors.New("read-only")}
		ing := NewIngestor(&fakePredictor{resp: testResponse()}, store, store, fakeProjects{}, IngestorConfig{})
		a, err := ing.Analyze(ctx, "p1", PredictRequest{})
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		if a.Inserted != 2 || a.Summary != nil {
			t.Errorf("inserted = %d, summary = %+v", a.Inserted, a.Summary)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		fake := &fakePredictor{resp: testResponse()}
		ing := NewIngestor(fake, &fakeStore{}, nil, fakeProjects{}, IngestorConfig{RequestsPerMinute: 1})
		if _, err := ing.Analyze(ctx, "p1", PredictRequest{}); err != nil {
			t.Fatal(err)
		}
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := ing.Analyze(short, "p1", PredictRequest{}); err == nil {
			t.Error("second call within the minute should wait past the deadline and fail")
		}
		if fake.calls != 1 {
			t.Errorf("detector calls = %d, want 1", fake.calls)
		}
	})
}
