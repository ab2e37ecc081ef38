package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sstent/pacetrack-go/internal/database"
	"github.com/sstent/pacetrack-go/internal/dataerr"
	"github.com/sstent/pacetrack-go/internal/models"
	"github.com/sstent/pacetrack-go/internal/parser"
	"github.com/sstent/pacetrack-go/internal/runsync"
	"github.com/sstent/pacetrack-go/internal/tracker"
)

const (
	defaultListLimit = 50
	maxUploadBytes   = 32 << 20
	maxSnapshotBytes = 8 << 20
)

type RunService interface {
	Runs(ctx context.Context, filters database.RunFilters) ([]models.RunRecord, error)
	Run(ctx context.Context, id string) (models.RunRecord, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*database.Stats, error)
	RefreshFromRemote(ctx context.Context) error
	RetryPending(ctx context.Context) (runsync.RetryReport, error)
}

type RunImporter interface {
	Import(ctx context.Context, filename string, data []byte) (models.RunRecord, error)
}

type RunTracker interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Reset(ctx context.Context) error
	Finish(ctx context.Context, mapSnapshot []byte) (tracker.FinishResult, error)
	Snapshot() tracker.Snapshot
	Subscribe() (<-chan tracker.Snapshot, func())
}

// FixFeeder accepts fixes pushed by a device. Nil when the tracker replays
// a recorded track instead.
type FixFeeder interface {
	Feed(fix models.GeoFix) bool
}

type WebHandler struct {
	runs     RunService
	importer RunImporter
	tracker  RunTracker
	feeder   FixFeeder
	log      *slog.Logger
}

func NewWebHandler(runs RunService, importer RunImporter, tr RunTracker, feeder FixFeeder) *WebHandler {
	return &WebHandler{
		runs:     runs,
		importer: importer,
		tracker:  tr,
		feeder:   feeder,
		log:      slog.Default().With("component", "web"),
	}
}

func (h *WebHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stats", h.Stats)

	router.GET("/runs", h.RunList)
	router.GET("/runs/:id", h.RunDetail)
	router.DELETE("/runs/:id", h.DeleteRun)
	router.POST("/runs/import", h.ImportRun)

	router.POST("/sync", h.Sync)
	router.POST("/sync/retry", h.RetryPending)

	tracking := router.Group("/tracking")
	tracking.GET("", h.TrackingState)
	tracking.GET("/stream", h.TrackingStream)
	tracking.POST("/start", h.trackingCommand(h.tracker.Start))
	tracking.POST("/pause", h.trackingCommand(h.tracker.Pause))
	tracking.POST("/resume", h.trackingCommand(h.tracker.Resume))
	tracking.POST("/reset", h.trackingCommand(h.tracker.Reset))
	tracking.POST("/finish", h.FinishRun)
	tracking.POST("/fixes", h.PushFixes)
}

func (h *WebHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *WebHandler) Stats(c *gin.Context) {
	stats, err := h.runs.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// runView adds the display strings a client would otherwise format itself.
type runView struct {
	models.RunRecord
	DurationText  string  `json:"duration_text"`
	DistanceText  string  `json:"distance_text"`
	PaceText      string  `json:"pace_text"`
	AvgSpeedKmh   float64 `json:"avg_speed_kmh"`
	AvgSpeedText  string  `json:"avg_speed_text"`
	MaxSpeedText  string  `json:"max_speed_text"`
	ElevationText string  `json:"elevation_text"`
}

func newRunView(r models.RunRecord) runView {
	km := float64(r.DistanceMeters) / 1000
	return runView{
		RunRecord:     r,
		DurationText:  models.FormatDuration(r.Duration),
		DistanceText:  models.FormatKm(km),
		PaceText:      models.FormatPace(r.Duration, km),
		AvgSpeedKmh:   r.AvgSpeedKmh(),
		AvgSpeedText:  models.FormatKmh(r.AvgSpeedKmh()),
		MaxSpeedText:  models.FormatKmh(r.MaxSpeedKmh),
		ElevationText: models.FormatMeters(r.ElevationGainMeters),
	}
}

func (h *WebHandler) RunList(c *gin.Context) {
	filters, err := parseRunFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runs, err := h.runs.Runs(c.Request.Context(), filters)
	if err != nil {
		h.fail(c, err)
		return
	}

	views := make([]runView, len(runs))
	for i, r := range runs {
		views[i] = newRunView(r)
	}
	c.JSON(http.StatusOK, gin.H{"runs": views, "limit": filters.Limit, "offset": filters.Offset})
}

func parseRunFilters(c *gin.Context) (database.RunFilters, error) {
	f := database.RunFilters{
		Limit:     defaultListLimit,
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}

	switch status := models.SyncStatus(c.Query("sync_status")); status {
	case "", models.SyncPending, models.SyncSynced:
		f.SyncStatus = status
	default:
		return f, fmt.Errorf("invalid sync_status %q", status)
	}
	switch f.SortBy {
	case "", "start_time", "distance", "duration":
	default:
		return f, fmt.Errorf("invalid sort %q", f.SortBy)
	}
	switch f.SortOrder {
	case "", "asc", "desc":
	default:
		return f, fmt.Errorf("invalid order %q", f.SortOrder)
	}

	var err error
	if f.DateFrom, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.DateTo, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	if f.MinDistance, err = queryInt(c, "min_distance"); err != nil {
		return f, err
	}
	if f.MaxDistance, err = queryInt(c, "max_distance"); err != nil {
		return f, err
	}
	if v, err := queryInt(c, "limit"); err != nil {
		return f, err
	} else if v > 0 {
		f.Limit = int(v)
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return f, err
	}
	f.Offset = int(offset)
	return f, nil
}

func queryInt(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

// queryTime accepts RFC3339 or a plain date.
func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid %s %q", key, raw)
}

func (h *WebHandler) RunDetail(c *gin.Context) {
	run, err := h.runs.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newRunView(run))
}

func (h *WebHandler) DeleteRun(c *gin.Context) {
	if err := h.runs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebHandler) ImportRun(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "track file too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		h.fail(c, err)
		return
	}

	run, err := h.importer.Import(c.Request.Context(), fh.Filename, data)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, newRunView(run))
	case errors.Is(err, dataerr.ErrInvalidRun), errors.Is(err, parser.ErrNoTrackData):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case dataerr.IsLocal(err):
		h.fail(c, err)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func (h *WebHandler) Sync(c *gin.Context) {
	if err := h.runs.RefreshFromRemote(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryPending reports remote failures alongside the counts; only a local
// failure fails the request.
func (h *WebHandler) RetryPending(c *gin.Context) {
	report, err := h.runs.RetryPending(c.Request.Context())
	if err != nil && dataerr.IsLocal(err) {
		h.fail(c, err)
		return
	}
	body := gin.H{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// snapshotView is the live tracking state without the full path.
type snapshotView struct {
	State          tracker.State        `json:"state"`
	ElapsedMs      int64                `json:"elapsed_ms"`
	ElapsedText    string               `json:"elapsed_text"`
	DistanceMeters int64                `json:"distance_meters"`
	DistanceText   string               `json:"distance_text"`
	PaceSecondsKm  int64                `json:"pace_seconds_per_km"`
	PaceText       string               `json:"pace_text"`
	Fixes          int                  `json:"fixes"`
	LastFix        *models.GeoFix       `json:"last_fix,omitempty"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	RejectedFixes  int                  `json:"rejected_fixes"`
	LocationActive bool                 `json:"location_active"`
	Segments       []models.PathSegment `json:"segments,omitempty"`
}

func newSnapshotView(s tracker.Snapshot, withPath bool) snapshotView {
	v := snapshotView{
		State:          s.State,
		ElapsedMs:      s.Elapsed.Milliseconds(),
		ElapsedText:    models.FormatDuration(s.Elapsed),
		DistanceMeters: s.Metrics.TotalDistanceMeters,
		DistanceText:   models.FormatKm(float64(s.Metrics.TotalDistanceMeters) / 1000),
		PaceSecondsKm:  s.Metrics.CurrentPaceSecondsPerKm,
		PaceText:       models.FormatPaceSeconds(s.Metrics.CurrentPaceSecondsPerKm),
		Fixes:          s.Metrics.FixCount(),
		RejectedFixes:  s.RejectedFixes,
		LocationActive: s.LocationActive,
	}
	if fix, ok := s.Metrics.LastFix(); ok {
		v.LastFix = &fix
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		v.StartedAt = &started
	}
	if withPath {
		v.Segments = s.Metrics.Segments
	}
	return v
}

// TrackingState returns the current snapshot; ?path=true includes the
// recorded segments.
func (h *WebHandler) TrackingState(c *gin.Context) {
	withPath, _ := strconv.ParseBool(c.Query("path"))
	c.JSON(http.StatusOK, newSnapshotView(h.tracker.Snapshot(), withPath))
}

func (h *WebHandler) trackingCommand(cmd func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := cmd(c.Request.Context()); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, newSnapshotView(h.tracker.Snapshot(), false))
	}
}

// FinishRun takes an optional JPEG map snapshot as the request body.
func (h *WebHandler) FinishRun(c *gin.Context) {
	snapshot, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSnapshotBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read map snapshot"})
		return
	}
	if len(snapshot) > maxSnapshotBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "map snapshot too large"})
		return
	}
	if len(snapshot) == 0 {
		snapshot = nil
	}

	res, err := h.tracker.Finish(c.Request.Context(), snapshot)
	if err != nil && !res.Finished {
		h.fail(c, err)
		return
	}
	if res.Discarded {
		c.JSON(http.StatusOK, gin.H{"discarded": true})
		return
	}
	if err != nil {
		// The run was finished but could not be stored.
		h.log.Error("finished run not saved", "error", err)
		c.JSON(statusFor(err), gin.H{"discarded": false, "run": newRunView(res.Record), "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"discarded": false, "run": newRunView(res.Record)})
}

// PushFixes feeds device fixes to the live tracker. The body is a single
// fix or an array of fixes.
func (h *WebHandler) PushFixes(c *gin.Context) {
	if h.feeder == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "location source does not accept pushed fixes"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read fixes"})
		return
	}
	fixes, err := decodeFixes(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted := 0
	for _, f := range fixes {
		if h.feeder.Feed(f) {
			accepted++
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"received": len(fixes), "accepted": accepted})
}

func (h *WebHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error()}
	if kind, ok := dataerr.NetworkKindOf(err); ok {
		body["kind"] = kind.String()
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dataerr.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dataerr.ErrDiskFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if _, ok := dataerr.NetworkKindOf(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
