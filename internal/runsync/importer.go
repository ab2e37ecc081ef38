package runsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sstent/pacetrack-go/internal/models"
	"github.com/sstent/pacetrack-go/internal/parser"
	"github.com/sstent/pacetrack-go/internal/tracker"
)

// Importer turns recorded FIT, GPX and TCX files into saved runs.
type Importer struct {
	repo    *Repository
	dataDir string
	log     *slog.Logger
}

// NewImporter archives imported files under dataDir/imports when dataDir
// is set.
func NewImporter(repo *Repository, dataDir string) *Importer {
	return &Importer{
		repo:    repo,
		dataDir: dataDir,
		log:     slog.Default().With("component", "importer"),
	}
}

// Import derives a run from the recorded track with the same rules as a
// live run and saves it through the repository.
func (i *Importer) Import(ctx context.Context, filename string, data []byte) (models.RunRecord, error) {
	p, err := parser.NewParser(filename, data)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to detect track format: %w", err)
	}
	track, err := p.ParseData(data)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to parse track: %w", err)
	}

	m := tracker.MetricsFor(track.PathSegments())
	rec, err := tracker.BuildRecord(m, track.Duration(), track.StartTime())
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to import %s: %w", filename, err)
	}

	saved, err := i.repo.Save(ctx, rec, nil)
	if err != nil {
		return saved, err
	}

	if i.dataDir != "" {
		if err := i.archive(saved.ID, data); err != nil {
			i.log.Warn("failed to archive imported track", "id", saved.ID, "error", err)
		}
	}
	i.log.Info("imported run", "id", saved.ID, "file", filename, "points", track.Points(), "distance", saved.DistanceMeters)
	return saved, nil
}

func (i *Importer) archive(id string, data []byte) error {
	ext := string(parser.DetectFileTypeFromData(data))
	filename := filepath.Join(i.dataDir, "imports", fmt.Sprintf("%s.%s", id, ext))

	// Create directories if needed
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
