// Package remote talks to the run backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/models"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type Option func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new run backend client
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunDTO is a run as the backend returns it.
type RunDTO struct {
	ID                   string  `json:"id"`
	DateTimeUTC          string  `json:"dateTimeUtc"`
	DurationMillis       int64   `json:"durationMillis"`
	DistanceMeters       int64   `json:"distanceMeters"`
	Lat                  float64 `json:"lat"`
	Long                 float64 `json:"long"`
	AvgSpeedKmh          float64 `json:"avgSpeedKmh"`
	MaxSpeedKmh          float64 `json:"maxSpeedKmh"`
	TotalElevationMeters int64   `json:"totalElevationMeters"`
	MapPictureURL        *string `json:"mapPictureUrl"`
}

// CreateRunRequest is the RUN_DATA part of an upload.
type CreateRunRequest struct {
	ID                   string  `json:"id"`
	DurationMillis       int64   `json:"durationMillis"`
	DistanceMeters       int64   `json:"distanceMeters"`
	EpochMillis          int64   `json:"epochMillis"`
	Lat                  float64 `json:"lat"`
	Long                 float64 `json:"long"`
	AvgSpeedKmh          float64 `json:"avgSpeedKmh"`
	MaxSpeedKmh          float64 `json:"maxSpeedKmh"`
	TotalElevationMeters int64   `json:"totalElevationMeters"`
}

func (d RunDTO) Record() (models.RunRecord, error) {
	start, err := time.Parse(time.RFC3339Nano, d.DateTimeUTC)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("invalid dateTimeUtc %q: %w", d.DateTimeUTC, err)
	}
	rec := models.RunRecord{
		ID:                  d.ID,
		Duration:            time.Duration(d.DurationMillis) * time.Millisecond,
		StartTime:           start.UTC(),
		DistanceMeters:      d.DistanceMeters,
		EndLocation:         models.GeoFix{Latitude: d.Lat, Longitude: d.Long},
		MaxSpeedKmh:         d.MaxSpeedKmh,
		ElevationGainMeters: d.TotalElevationMeters,
		SyncStatus:          models.SyncSynced,
	}
	if d.MapPictureURL != nil {
		rec.MapSnapshotURL = *d.MapPictureURL
	}
	return rec, nil
}

func NewCreateRunRequest(rec models.RunRecord) CreateRunRequest {
	return CreateRunRequest{
		ID:                   rec.ID,
		DurationMillis:       rec.Duration.Milliseconds(),
		DistanceMeters:       rec.DistanceMeters,
		EpochMillis:          rec.StartTime.UnixMilli(),
		Lat:                  rec.EndLocation.Latitude,
		Long:                 rec.EndLocation.Longitude,
		AvgSpeedKmh:          rec.AvgSpeedKmh(),
		MaxSpeedKmh:          rec.MaxSpeedKmh,
		TotalElevationMeters: rec.ElevationGainMeters,
	}
}

// ListRuns retrieves every run stored remotely
func (c *Client) ListRuns(ctx context.Context) ([]models.RunRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs", nil)
	if err != nil {
		return nil, err
	}

	var dtos []RunDTO
	if err := c.do(req, "list", &dtos); err != nil {
		return nil, err
	}

	runs := make([]models.RunRecord, 0, len(dtos))
	for _, d := range dtos {
		rec, err := d.Record()
		if err != nil {
			return nil, &dataerr.NetworkError{Op: "list", Kind: dataerr.Serialization, Err: err}
		}
		runs = append(runs, rec)
	}
	return runs, nil
}

// UploadRun posts a run with its map snapshot and returns the backend's
// canonical copy.
func (c *Client) UploadRun(ctx context.Context, rec models.RunRecord, mapSnapshot []byte) (models.RunRecord, error) {
	runData, err := json.Marshal(NewCreateRunRequest(rec))
	if err != nil {
		return models.RunRecord{}, &dataerr.NetworkError{Op: "upload", Kind: dataerr.Serialization, Err: err}
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	// Imported runs have no snapshot; the picture part is left out for them.
	if len(mapSnapshot) > 0 {
		picture := textproto.MIMEHeader{}
		picture.Set("Content-Disposition", `form-data; name="MAP_PICTURE"; filename="mappicture.jpg"`)
		picture.Set("Content-Type", "image/jpeg")
		part, err := w.CreatePart(picture)
		if err != nil {
			return models.RunRecord{}, fmt.Errorf("failed to build upload: %w", err)
		}
		if _, err := part.Write(mapSnapshot); err != nil {
			return models.RunRecord{}, fmt.Errorf("failed to build upload: %w", err)
		}
	}

	data := textproto.MIMEHeader{}
	data.Set("Content-Disposition", `form-data; name="RUN_DATA"`)
	data.Set("Content-Type", "text/plain")
	part, err := w.CreatePart(data)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(runData); err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", &body)
	if err != nil {
		return models.RunRecord{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var dto RunDTO
	if err := c.do(req, "upload", &dto); err != nil {
		return models.RunRecord{}, err
	}
	canonical, err := dto.Record()
	if err != nil {
		return models.RunRecord{}, &dataerr.NetworkError{Op: "upload", Kind: dataerr.Serialization, Err: err}
	}
	return canonical, nil
}

func (c *Client) DeleteRun(ctx context.Context, id string) error {
	u := fmt.Sprintf("%s/run?id=%s", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, "delete", nil)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &dataerr.NetworkError{Op: op, Kind: transportKind(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &dataerr.NetworkError{
			Op:     op,
			Kind:   dataerr.KindFromStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &dataerr.NetworkError{
			Op:     op,
			Kind:   dataerr.Serialization,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return nil
}

func transportKind(err error) dataerr.NetworkKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return dataerr.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return dataerr.Timeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dataerr.NoConnectivity
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return dataerr.NoConnectivity
	}
	return dataerr.Unknown
}
