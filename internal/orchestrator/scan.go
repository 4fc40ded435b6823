package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/metrics"
	"github.com/smukkama/pellet-ingest/internal/models"
	"github.com/smukkama/pellet-ingest/internal/normalizer"
	"github.com/smukkama/pellet-ingest/internal/protocol"
)

// scan lists the local export files that are new since their last import,
// sorted by file name. Errors reading a directory or a file's metadata are
// returned as failed file results so the rest of the scan continues.
func (o *Orchestrator) scan(ctx context.Context, req CycleRequest) ([]string, []FileResult) {
	var (
		paths  []string
		failed []FileResult
	)
	if len(req.Files) > 0 {
		for _, p := range req.Files {
			if o.extractor.IsExport(filepath.Base(p)) {
				paths = append(paths, p)
			}
		}
	} else {
		for _, dir := range o.opts.DropDirs {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				failed = append(failed, o.fileFailed(dir, metrics.SourceLocal, metrics.StageRead, err))
				continue
			}
			for _, e := range entries {
				if e.Type().IsRegular() && o.extractor.IsExport(e.Name()) {
					paths = append(paths, filepath.Join(dir, e.Name()))
				}
			}
		}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})

	fresh := paths[:0]
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			failed = append(failed, o.fileFailed(p, metrics.SourceLocal, metrics.StageRead, err))
			continue
		}
		if req.ForceReimport {
			fresh = append(fresh, p)
			continue
		}
		last, err := o.store.LastImport(ctx, filepath.Base(p))
		if err != nil {
			failed = append(failed, o.fileFailed(p, metrics.SourceLocal, metrics.StageIngest, err))
			continue
		}
		if last != nil && !info.ModTime().After(last.ImportedAt) {
			continue
		}
		fresh = append(fresh, p)
	}
	return fresh, failed
}

// checkFiles resolves explicit file paths and requires each to sit directly
// in a drop directory. The returned paths are absolute.
func (o *Orchestrator) checkFiles(files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	dirs := make(map[string]struct{}, len(o.opts.DropDirs))
	for _, d := range o.opts.DropDirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, fmt.Errorf("resolve drop dir %s: %w", d, err)
		}
		dirs[abs] = struct{}{}
	}

	out := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrOutsideDropDirs, f)
		}
		if _, ok := dirs[filepath.Dir(abs)]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrOutsideDropDirs, f)
		}
		out = append(out, abs)
	}
	return out, nil
}

// promote moves a staged mail download into the first drop directory, where
// later local scans and the watcher see it.
func (o *Orchestrator) promote(staged string) (string, error) {
	dir := o.opts.DropDirs[0]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(staged))
	if err := os.Rename(staged, path); err != nil {
		return "", err
	}
	return path, nil
}

// processFile reads, parses and ingests one file. A failure at any stage is
// confined to this file.
func (o *Orchestrator) processFile(ctx context.Context, cycleID, path, source string) FileResult {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return o.fileFailed(path, source, metrics.StageRead, err)
	}
	parsed, err := normalizer.Parse(data, name)
	if err != nil {
		return o.fileFailed(path, source, metrics.StageParse, err)
	}
	res, err := o.ingestor.Ingest(ctx, name, parsed.Records)
	if err != nil {
		return o.fileFailed(path, source, metrics.StageIngest, err)
	}
	o.metrics.FileProcessed(source)

	stats := parsed.Stats
	o.logger.Debug("file processed",
		zap.String("filename", name),
		zap.String("source", source),
		zap.Int("rows", stats.Rows),
		zap.Int("accepted", stats.Accepted),
		zap.Int("dropped_runtime", stats.DroppedRuntime),
		zap.Int("dropped_date", stats.DroppedDate),
	)

	data, err = protocol.EncodeFileIngested(&protocol.FileIngestedEvent{
		EventID:    uuid.NewString(),
		CycleID:    cycleID,
		Filename:   name,
		Source:     source,
		Records:    res.Records,
		Atomic:     res.Atomic,
		ImportedAt: res.ImportedAt,
	})
	o.publish(ctx, name, data, err)

	return FileResult{
		Filename: name,
		Path:     path,
		Source:   source,
		Records:  res.Records,
		Atomic:   res.Atomic,
		Stats:    &stats,
		Status:   models.ItemStatusImported,
	}
}

func (o *Orchestrator) fileFailed(path, source, stage string, err error) FileResult {
	o.metrics.FileFailed(source, stage)
	o.logger.Warn("file failed",
		zap.String("path", path),
		zap.String("source", source),
		zap.String("stage", stage),
		zap.Error(err),
	)
	return FileResult{
		Filename: filepath.Base(path),
		Path:     path,
		Source:   source,
		Status:   models.ItemStatusError,
		Stage:    stage,
		Error:    err.Error(),
	}
}
