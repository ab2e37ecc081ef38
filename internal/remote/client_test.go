package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/models"
)

const runJSON = `{
	"id": "abc",
	"dateTimeUtc": "2024-05-01T07:30:00Z",
	"durationMillis": 1800000,
	"distanceMeters": 5000,
	"lat": 52.52,
	"long": 13.405,
	"avgSpeedKmh": 10,
	"maxSpeedKmh": 14.5,
	"totalElevationMeters": 40,
	"mapPictureUrl": "https://cdn.example.com/abc.jpg"
}`

func TestListRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		io.WriteString(w, "["+runJSON+"]")
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, WithToken("secret"))
	runs, err := c.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.ID != "abc" || r.Duration != 30*time.Minute || r.DistanceMeters != 5000 {
		t.Errorf("unexpected run: %+v", r)
	}
	if r.MapSnapshotURL != "https://cdn.example.com/abc.jpg" || r.SyncStatus != models.SyncSynced {
		t.Errorf("unexpected sync fields: %+v", r)
	}
	if !r.StartTime.Equal(time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)) {
		t.Errorf("start = %v", r.StartTime)
	}
}

func TestUploadRunMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("bad multipart body: %v", err)
			return
		}

		file, hdr, err := r.FormFile("MAP_PICTURE")
		if err != nil {
			t.Errorf("missing MAP_PICTURE: %v", err)
			return
		}
		pic, _ := io.ReadAll(file)
		if hdr.Filename != "mappicture.jpg" || hdr.Header.Get("Content-Type") != "image/jpeg" || string(pic) != "jpeg-bytes" {
			t.Errorf("unexpected picture part: %q %q %q", hdr.Filename, hdr.Header.Get("Content-Type"), pic)
		}

		var req CreateRunRequest
		if err := json.Unmarshal([]byte(r.FormValue("RUN_DATA")), &req); err != nil {
			t.Errorf("bad RUN_DATA: %v", err)
		}
		if req.ID != "local-1" || req.DistanceMeters != 5000 || req.DurationMillis != 1800000 {
			t.Errorf("unexpected run data: %+v", req)
		}
		if req.AvgSpeedKmh != 10 || req.EpochMillis != time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC).UnixMilli() {
			t.Errorf("unexpected derived fields: %+v", req)
		}
		io.WriteString(w, runJSON)
	}))
	defer srv.Close()

	rec := models.RunRecord{
		ID:             "local-1",
		Duration:       30 * time.Minute,
		StartTime:      time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC),
		DistanceMeters: 5000,
	}
	got, err := NewClient(srv.URL, time.Second).UploadRun(context.Background(), rec, []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("UploadRun failed: %v", err)
	}
	if got.MapSnapshotURL == "" {
		t.Fatal("expected canonical record with map URL")
	}
}

func TestUploadRunWithoutSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("bad multipart body: %v", err)
			return
		}
		if _, ok := r.MultipartForm.File["MAP_PICTURE"]; ok {
			t.Error("empty snapshot sent as MAP_PICTURE")
		}
		if r.FormValue("RUN_DATA") == "" {
			t.Error("missing RUN_DATA")
		}
		io.WriteString(w, runJSON)
	}))
	defer srv.Close()

	rec := models.RunRecord{ID: "imported-1", Duration: time.Minute, DistanceMeters: 200}
	if _, err := NewClient(srv.URL, time.Second).UploadRun(context.Background(), rec, nil); err != nil {
		t.Fatalf("UploadRun failed: %v", err)
	}
}

func TestDeleteRun(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotID = r.URL.Query().Get("id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, time.Second).DeleteRun(context.Background(), "a b&c"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if gotID != "a b&c" {
		t.Fatalf("id = %q", gotID)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   dataerr.NetworkKind
	}{
		{"unauthorized", http.StatusUnauthorized, "", dataerr.Unauthorized},
		{"not found", http.StatusNotFound, "", dataerr.NotFound},
		{"too large", http.StatusRequestEntityTooLarge, "", dataerr.PayloadTooLarge},
		{"throttled", http.StatusTooManyRequests, "", dataerr.TooManyRequests},
		{"server", http.StatusBadGateway, "", dataerr.ServerError},
		{"teapot", http.StatusTeapot, "", dataerr.Unknown},
		{"bad json", http.StatusOK, "{not json", dataerr.Serialization},
		{"bad date", http.StatusOK, `[{"id":"x","dateTimeUtc":"yesterday"}]`, dataerr.Serialization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).ListRuns(context.Background())
			kind, ok := dataerr.NetworkKindOf(err)
			if !ok || kind != tt.want {
				t.Fatalf("got %v (%v), want kind %s", err, kind, tt.want)
			}
		})
	}
}

func TestNoConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(url, time.Second).DeleteRun(context.Background(), "x")
	if !errors.Is(err, dataerr.ErrNoConnectivity) {
		t.Fatalf("expected no connectivity, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, 50*time.Millisecond).ListRuns(context.Background())
	if kind, _ := dataerr.NetworkKindOf(err); kind != dataerr.Timeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}
