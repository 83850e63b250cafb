// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

/*
Package detector talks to the external object detection service.

The service accepts a georeferenced image as multipart form data and answers
with labeled bounding boxes, each optionally carrying a WGS84 position:

	POST /predict
	  file=<image>  model=tree  confidence=0.5  iou=0.5

	{"detections":[{"label":"Tree","coordinates":{"x1":..},
	  "gps_coordinates":{"lat":..,"lon":..},"confidence":0.91}],
	 "image_size":{"width":..,"height":..},"metadata":{..}}

Client performs the raw call. CircuitBreakerClient wraps it so a failing
service is not hammered, and Ingestor stores what comes back.
*/
package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/models"
)

// ErrInvalidResponse is returned when the service answers 2xx with a body
// that has no detections array.
var ErrInvalidResponse = errors.New("detector: invalid response")

// Predictor runs object detection on one image.
// Both Client and CircuitBreakerClient implement this interface.
type Predictor interface {
	Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error)
}

var _ Predictor = (*Client)(nil)

// PredictRequest is one image submitted for detection.
type PredictRequest struct {
	Image      io.Reader
	Filename   string
	Model      string
	Confidence float64
	IoU        float64
}

// Coordinates is a bounding box as reported by the service.
type Coordinates struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// RawDetection is one detection as reported by the service.
type RawDetection struct {
	Label          string              `json:"label"`
	Coordinates    Coordinates         `json:"coordinates"`
	GPSCoordinates *models.GeoPosition `json:"gps_coordinates,omitempty"`
	Confidence     float64             `json:"confidence"`
}

// ImageSize is the pixel size of the analyzed image.
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PredictResponse is the decoded service answer.
type PredictResponse struct {
	Detections  []RawDetection    `json:"detections"`
	ImageSize   ImageSize         `json:"image_size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ResultImage string            `json:"result_image,omitempty"`
}

// ToDetections converts the raw output into detection records for a
// project. recordedAt is shared by every detection of one analysis.
func (r *PredictResponse) ToDetections(projectID string, recordedAt time.Time) []models.Detection {
	out := make([]models.Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		out = append(out, models.Detection{
			ProjectID: projectID,
			Label:     d.Label,
			BBox: models.BBox{
				X1: d.Coordinates.X1,
				Y1: d.Coordinates.Y1,
				X2: d.Coordinates.X2,
				Y2: d.Coordinates.Y2,
			},
			GeoPosition: d.GPSCoordinates,
			Confidence:  d.Confidence,
			RecordedAt:  recordedAt,
		})
	}
	return out
}

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("detector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("detector returned status %d: %s", e.StatusCode, e.Message)
}

// Client calls the detection service over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates a client for the configured service URL.
func NewClient(cfg *config.DetectorConfig) *Client {
	return &Client{
		url: strings.TrimSuffix(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Predict uploads the image and decodes the detections. The image is
// streamed through a pipe so large GeoTIFFs are never buffered whole.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	if req.Image == nil {
		return nil, errors.New("detector: image is required")
	}
	filename := req.Filename
	if filename == "" {
		filename = "image.tif"
	}

	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, req, filename))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeStatusError(resp)
	}

	var out PredictResponse
	var raw struct {
		Detections *[]RawDetection `json:"detections"`
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read detector response: %w", err)
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}
	if raw.Detections == nil {
		return nil, ErrInvalidResponse
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}
	return &out, nil
}

func writeForm(mw *multipart.Writer, req PredictRequest, filename string) error {
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.Image); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}
	fields := map[string]string{
		"model":      req.Model,
		"confidence": strconv.FormatFloat(req.Confidence, 'f', -1, 64),
		"iou":        strconv.FormatFloat(req.IoU, 'f', -1, 64),
	}
	for _, k := range []string{"model", "confidence", "iou"} {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return err
		}
	}
	return mw.Close()
}

func decodeStatusError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
