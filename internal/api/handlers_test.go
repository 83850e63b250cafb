// Canopy - Drone Detection Mapping and Land-Cover Aggregation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package api

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tomtom215/canopy/internal/config"
	"github.com/tomtom215/canopy/internal/detector"
	"github.com/tomtom215/canopy/internal/mapctl"
	"github.com/tomtom215/canopy/internal/models"
)

func TestProjects(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/projects", map[string]string{"name": "Vineyard", "location": "Napa"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.Project
	decodeEnvelope(t, rec, &created)
	if created.ID == "" || created.Name != "Vineyard" {
		t.Errorf("created = %+v", created)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/projects", nil)
	var list []models.Project
	env := decodeEnvelope(t, rec, &list)
	if len(list) != 2 || env.Metadata.Count == nil || *env.Metadata.Count != 2 {
		t.Errorf("list = %+v, count = %v", list, env.Metadata.Count)
	}

	expectError(t, s.do(t, http.MethodGet, "/api/v1/projects/nope", nil), http.StatusNotFound, CodeNotFound)
	expectError(t, s.do(t, http.MethodPost, "/api/v1/projects", map[string]string{}), http.StatusBadRequest, CodeValidation)
	expectError(t, s.do(t, http.MethodPost, "/api/v1/projects", `{"name":"x","extra":1}`), http.StatusBadRequest, CodeValidation)
}

func TestProjectDetections(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all positioned", "", 2},
		{"class filter", "?classes=Tree", 1},
		{"confidence", "?min_confidence=0.85", 1},
		{"empty classes selects nothing", "?classes=", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/v1/projects/p1/detections"+tt.query, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
				t.Errorf("Content-Type = %q", ct)
			}
			fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
			if err != nil {
				t.Fatal(err)
			}
			if len(fc.Features) != tt.want {
				t.Errorf("features = %d, want %d", len(fc.Features), tt.want)
			}
		})
	}

	expectError(t, s.do(t, http.MethodGet, "/api/v1/projects/p1/detections?min_confidence=2", nil), http.StatusBadRequest, CodeValidation)
	expectError(t, s.do(t, http.MethodGet, "/api/v1/projects/zz/detections", nil), http.StatusNotFound, CodeNotFound)

	rec := s.do(t, http.MethodGet, "/api/v1/projects/p1/detections?classes=Crop", nil)
	fc, _ := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	f := fc.Features[0]
	if p, ok := f.Geometry.(orb.Point); !ok || p.Lon() != 50 || p.Lat() != 50 {
		t.Errorf("geometry = %v, want lon/lat 50,50", f.Geometry)
	}
	if f.Properties.MustString("label") != "Crop" {
		t.Errorf("properties = %v", f.Properties)
	}
}

func TestProjectLabels(t *testing.T) {
	s := newTestServer(t)
	var labels []string
	decodeEnvelope(t, s.do(t, http.MethodGet, "/api/v1/projects/p1/labels", nil), &labels)
	if len(labels) != 2 || labels[0] != "Crop" || labels[1] != "Tree" {
		t.Errorf("labels = %v", labels)
	}
}

func TestRegions(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/regions", map[string]any{
		"name": "North", "land_type": "Trees", "geometry": square(0, 0, 10),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var region models.LandCoverRegion
	decodeEnvelope(t, rec, &region)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/regions", map[string]any{
			"name": "north", "land_type": "crops", "geometry": square(0, 0, 1),
		})
		expectError(t, rec, http.StatusConflict, CodeConflict)
	})

	t.Run("bad land type", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/api/v1/regions", map[string]any{
			"name": "South", "land_type": "water", "geometry": square(0, 0, 1),
		})
		expectError(t, rec, http.StatusBadRequest, CodeValidation)
	})

	t.Run("rename", func(t *testing.T) {
		rec := s.do(t, http.MethodPatch, "/api/v1/regions/"+region.ID, map[string]string{"name": "Northern"})
		var got models.LandCoverRegion
		decodeEnvelope(t, rec, &got)
		if rec.Code != http.StatusOK || got.Name != "Northern" {
			t.Errorf("status = %d, region = %+v", rec.Code, got)
		}
	})

	t.Run("empty update", func(t *testing.T) {
		expectError(t, s.do(t, http.MethodPatch, "/api/v1/regions/"+region.ID, map[string]string{}), http.StatusBadRequest, CodeValidation)
	})

	t.Run("delete", func(t *testing.T) {
		rec := s.do(t, http.MethodDelete, "/api/v1/regions/"+region.ID, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		expectError(t, s.do(t, http.MethodGet, "/api/v1/regions/"+region.ID, nil), http.StatusNotFound, CodeNotFound)
	})
}

func TestSummary(t *testing.T) {
	s := newTestServer(t)

	expectError(t, s.do(t, http.MethodGet, "/api/v1/projects/p1/summary", nil), http.StatusNotFound, CodeNotFound)

	body := map[string]any{
		"land_covers":    []map[string]any{{"name": "North", "region_id": "r1", "counts": map[string]int{"Tree": 3}}},
		"active_filters": []string{"Tree"},
	}
	rec := s.do(t, http.MethodPut, "/api/v1/projects/p1/summary", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	var sum models.Summary
	decodeEnvelope(t, s.do(t, http.MethodGet, "/api/v1/projects/p1/summary", nil), &sum)
	if len(sum.LandCovers) != 1 || sum.LandCovers[0].Counts["Tree"] != 3 {
		t.Errorf("summary = %+v", sum)
	}

	body["land_covers"] = []map[string]any{{"name": "North", "counts": map[string]int{"Tree": -1}}}
	expectError(t, s.do(t, http.MethodPut, "/api/v1/projects/p1/summary", body), http.StatusBadRequest, CodeValidation)
	body["land_covers"] = []map[string]any{}
	expectError(t, s.do(t, http.MethodPut, "/api/v1/projects/zz/summary", body), http.StatusNotFound, CodeNotFound)
}

func TestMapSession(t *testing.T) {
	s := newTestServer(t)
	region, err := s.store.CreateRegion(t.Context(), "North", "trees", square(0, 0, 10))
	if err != nil {
		t.Fatal(err)
	}

	rec := s.do(t, http.MethodPost, "/api/v1/projects/p1/map/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open status = %d: %s", rec.Code, rec.Body.String())
	}
	var opened MapSessionResponse
	decodeEnvelope(t, rec, &opened)
	if opened.SessionID == "" || len(opened.Legend.Filter.Classes) != 2 {
		t.Fatalf("opened = %+v", opened)
	}
	base := "/api/v1/map/sessions/" + opened.SessionID

	rec = s.do(t, http.MethodGet, base+"/mask", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("mask with no layers: status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPut, base+"/layers/"+region.ID, map[string]bool{"visible": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("layer status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, base+"/mask", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("mask status = %d", rec.Code)
	}
	f, err := geojson.UnmarshalFeature(rec.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	poly, ok := f.Geometry.(orb.Polygon)
	if !ok || len(poly) != 2 {
		t.Fatalf("mask geometry = %T with %d rings", f.Geometry, len(poly))
	}
	if b := poly[1].Bound(); b.Min.Lon() < -0.01 || b.Max.Lon() > 10.01 {
		t.Errorf("hole bound = %v, want WGS84 degrees", b)
	}

	var legend mapctl.Legend
	decodeEnvelope(t, s.do(t, http.MethodPost, base+"/flush", nil), &legend)
	if legend.Result == nil || legend.Result.PerRegion["North"]["Tree"] != 1 {
		t.Errorf("legend = %+v", legend.Result)
	}

	rec = s.do(t, http.MethodPut, base+"/filter", map[string]any{"classes": []string{"Crop"}, "min_confidence": 0.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("filter status = %d: %s", rec.Code, rec.Body.String())
	}
	var filtered mapctl.Legend
	decodeEnvelope(t, s.do(t, http.MethodPost, base+"/flush", nil), &filtered)
	if filtered.Result == nil {
		t.Fatal("legend after filter has no result")
	}
	if filtered.Result.Totals["Tree"] != 0 {
		t.Errorf("totals after filter = %v", filtered.Result.Totals)
	}
	if got := filtered.Filter.Classes; len(got) != 1 || got[0] != "Crop" {
		t.Errorf("filter classes = %v, want [Crop]", got)
	}

	expectError(t, s.do(t, http.MethodPut, base+"/filter", map[string]any{"classes": []string{}, "min_confidence": 3}), http.StatusBadRequest, CodeValidation)
	expectError(t, s.do(t, http.MethodPut, base+"/layers/missing", map[string]bool{"visible": true}), http.StatusNotFound, CodeNotFound)

	if rec := s.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("close status = %d", rec.Code)
	}
	expectError(t, s.do(t, http.MethodGet, base+"/legend", nil), http.StatusNotFound, CodeNotFound)
}

func TestMapSession_BrokenLayer(t *testing.T) {
	s := newTestServer(t)
	region, err := s.store.CreateRegion(t.Context(), "Broken", "crops", []byte(`{"type":"Point","coordinates":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}

	var opened MapSessionResponse
	decodeEnvelope(t, s.do(t, http.MethodPost, "/api/v1/projects/p1/map/sessions", map[string]any{"classes": []string{"Tree"}}), &opened)

	rec := s.do(t, http.MethodPut, "/api/v1/map/sessions/"+opened.SessionID+"/layers/"+region.ID, map[string]bool{"visible": true})
	expectError(t, rec, http.StatusUnprocessableEntity, CodeValidation)
}

func TestMapSession_UnknownProject(t *testing.T) {
	s := newTestServer(t)
	expectError(t, s.do(t, http.MethodPost, "/api/v1/projects/zz/map/sessions", nil), http.StatusNotFound, CodeNotFound)
}

func multipartBody(t *testing.T, fields [][2]string, withFile bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			t.Fatal(err)
		}
	}
	if withFile {
		fw, err := mw.CreateFormFile("file", "frame.jpg")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("jpeg-bytes"))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestAnalyzeImage(t *testing.T) {
	s := newTestServer(t)

	post := func(fields [][2]string, withFile bool) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, fields, withFile)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/p1/analyze", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post([][2]string{{"model", "yolo-trees"}, {"confidence", "0.4"}}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if s.analyzer.got.Model != "yolo-trees" || s.analyzer.got.Confidence != 0.4 || s.analyzer.got.Filename != "frame.jpg" {
		t.Errorf("request = %+v", s.analyzer.got)
	}
	if string(s.analyzer.image) != "jpeg-bytes" {
		t.Errorf("image = %q", s.analyzer.image)
	}

	expectError(t, post([][2]string{{"model", "m"}}, false), http.StatusBadRequest, CodeValidation)
	expectError(t, post(nil, true), http.StatusBadRequest, CodeValidation)
	expectError(t, post([][2]string{{"model", "m"}, {"iou", "7"}}, true), http.StatusBadRequest, CodeValidation)

	s.analyzer.err = detector.ErrCircuitOpen
	expectError(t, post([][2]string{{"model", "m"}}, true), http.StatusServiceUnavailable, CodeServiceUnavailable)
	s.analyzer.err = &detector.StatusError{StatusCode: 500, Message: "model crashed"}
	expectError(t, post([][2]string{{"model", "m"}}, true), http.StatusBadGateway, CodeBadGateway)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var status HealthStatus
	decodeEnvelope(t, s.do(t, http.MethodGet, "/api/v1/health/", nil), &status)
	if status.Status != "healthy" || !status.DatabaseConnected {
		t.Errorf("health = %+v", status)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/health/ready", nil); rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}

	s.store.pingErr = errBoom
	decodeEnvelope(t, s.do(t, http.MethodGet, "/api/v1/health/", nil), &status)
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	expectError(t, s.do(t, http.MethodGet, "/api/v1/health/ready", nil), http.StatusServiceUnavailable, CodeServiceUnavailable)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/projects", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", rec.Header())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestWebSocketOrigin(t *testing.T) {
	s := newTestServer(t)
	h := NewHandler(Deps{}, &config.Config{Security: config.SecurityConfig{
		CORSOrigins: []string{"http://localhost:3000"},
	}})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", false},
		{"http://localhost:3000", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := h.checkWebSocketOrigin(req); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}

	expectError(t, s.do(t, http.MethodGet, "/api/v1/ws", nil), http.StatusServiceUnavailable, CodeServiceUnavailable)
}
