// Package dbtest provides an in-memory implementation of the telemetry and
// ledger stores for tests.
package dbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smukkama/pellet-ingest/internal/ledger"
	"github.com/smukkama/pellet-ingest/internal/models"
)

type pairKey struct {
	messageID string
	filename  string
}

// Memory is a concurrency-safe in-memory store. Hook fields may be set before
// use to inject failures or to block inside a write.
type Memory struct {
	// InsertErr, when it returns non-nil for a filename, fails the insert
	// (or the whole replace) for that file.
	InsertErr func(filename string) error
	// BeforeWrite runs at the start of every telemetry write, outside the lock.
	BeforeWrite func(filename string)

	mu       sync.Mutex
	records  []models.TelemetryRecord
	imported map[string]models.ImportedFile
	items    map[pairKey]*models.ProcessedItem
	nextID   int64

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func NewMemory() *Memory {
	return &Memory{
		imported: make(map[string]models.ImportedFile),
		items:    make(map[pairKey]*models.ProcessedItem),
	}
}

// MaxConcurrentWrites is the highest number of telemetry writes observed
// running at the same time.
func (m *Memory) MaxConcurrentWrites() int {
	return int(m.maxInflight.Load())
}

func (m *Memory) enter(filename string) func() {
	n := m.inflight.Add(1)
	for {
		cur := m.maxInflight.Load()
		if n <= cur || m.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.BeforeWrite != nil {
		m.BeforeWrite(filename)
	}
	return func() { m.inflight.Add(-1) }
}

func (m *Memory) insertErr(filename string) error {
	if m.InsertErr == nil {
		return nil
	}
	return m.InsertErr(filename)
}

func (m *Memory) ReplaceByFilename(_ context.Context, file models.ImportedFile, records []models.TelemetryRecord) error {
	defer m.enter(file.Filename)()
	if err := m.insertErr(file.Filename); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(file.Filename)
	m.appendLocked(records)
	m.imported[file.Filename] = file
	return nil
}

func (m *Memory) DeleteByFilename(_ context.Context, filename string) (int64, error) {
	defer m.enter(filename)()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(filename), nil
}

func (m *Memory) InsertMany(_ context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	defer m.enter(records[0].Filename)()
	for _, r := range records {
		if err := m.insertErr(r.Filename); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(records)
	return nil
}

func (m *Memory) deleteLocked(filename string) int64 {
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.Filename == filename {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n
}

func (m *Memory) appendLocked(records []models.TelemetryRecord) {
	for _, r := range records {
		m.nextID++
		r.ID = m.nextID
		m.records = append(m.records, r)
	}
}

func (m *Memory) MarkImported(_ context.Context, file models.ImportedFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imported[file.Filename] = file
	return nil
}

func (m *Memory) LastImport(_ context.Context, filename string) (*models.ImportedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.imported[filename]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *Memory) FindByFilename(_ context.Context, filename string) ([]models.TelemetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TelemetryRecord
	for _, r := range m.records {
		if r.Filename == filename {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) DistinctFilenames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var names []string
	for _, r := range m.records {
		if _, ok := seen[r.Filename]; ok {
			continue
		}
		seen[r.Filename] = struct{}{}
		names = append(names, r.Filename)
	}
	sort.Strings(names)
	return names, nil
}

// RecordCount returns how many records are stored across all files.
func (m *Memory) RecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Memory) FindProcessedItem(_ context.Context, messageID, filename string) (*models.ProcessedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[pairKey{messageID, filename}]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (m *Memory) InsertProcessedItem(_ context.Context, item *models.ProcessedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{item.MessageID, item.Filename}
	if _, ok := m.items[key]; ok {
		return fmt.Errorf("%w: %s/%s", ledger.ErrDuplicateItem, item.MessageID, item.Filename)
	}
	m.nextID++
	item.ID = m.nextID
	cp := *item
	m.items[key] = &cp
	return nil
}

func (m *Memory) UpsertProcessedItem(_ context.Context, item *models.ProcessedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{item.MessageID, item.Filename}
	if existing, ok := m.items[key]; ok {
		item.ID = existing.ID
	} else {
		m.nextID++
		item.ID = m.nextID
	}
	cp := *item
	m.items[key] = &cp
	return nil
}

func (m *Memory) DeleteProcessedItemsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, item := range m.items {
		if item.ProcessedAt.Before(cutoff) {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) LatestProcessedItem(_ context.Context) (*models.ProcessedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.ProcessedItem
	for _, item := range m.items {
		if latest == nil || item.ProcessedAt.After(latest.ProcessedAt) ||
			(item.ProcessedAt.Equal(latest.ProcessedAt) && item.ID > latest.ID) {
			latest = item
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) CountProcessedItems(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.items {
		if since.IsZero() || !item.ProcessedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ProcessedItems returns a copy of every ledger entry.
func (m *Memory) ProcessedItems() []models.ProcessedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ProcessedItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TwoStep exposes a Memory without ReplaceByFilename so callers take the
// delete-then-insert path.
type TwoStep struct {
	M *Memory
}

func (t TwoStep) DeleteByFilename(ctx context.Context, filename string) (int64, error) {
	return t.M.DeleteByFilename(ctx, filename)
}

func (t TwoStep) InsertMany(ctx context.Context, records []models.TelemetryRecord) error {
	return t.M.InsertMany(ctx, records)
}

func (t TwoStep) MarkImported(ctx context.Context, file models.ImportedFile) error {
	return t.M.MarkImported(ctx, file)
}

func (t TwoStep) LastImport(ctx context.Context, filename string) (*models.ImportedFile, error) {
	return t.M.LastImport(ctx, filename)
}

func (t TwoStep) FindByFilename(ctx context.Context, filename string) ([]models.TelemetryRecord, error) {
	return t.M.FindByFilename(ctx, filename)
}

func (t TwoStep) DistinctFilenames(ctx context.Context) ([]string, error) {
	return t.M.DistinctFilenames(ctx)
}
