package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/PulsePipe/pulsepipe/internal/ingest"
)

// Adapter feeds raw records into a pipeline. Poll returns the next batch
// in source order; an empty batch means the source is drained for this
// cycle. Production deployments plug file watchers or message consumers
// in here.
type Adapter interface {
	Poll(ctx context.Context) ([]ingest.RawRecord, error)
}

// DirectoryAdapter is the one-shot source shipped for the CLI: it reads
// every regular file in a directory once, in lexical order, and reports
// the source drained afterwards. Files that appear between polls are
// picked up by the next cycle in continuous mode.
type DirectoryAdapter struct {
	dir    string
	format string
	seen   map[string]bool
}

// NewDirectoryAdapter builds an adapter over dir, tagging every record
// with the configured format.
func NewDirectoryAdapter(dir, format string) *DirectoryAdapter {
	return &DirectoryAdapter{dir: dir, format: format, seen: make(map[string]bool)}
}

// Poll reads all not-yet-seen files from the directory.
func (a *DirectoryAdapter) Poll(ctx context.Context) ([]ingest.RawRecord, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read source directory %s", a.dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || a.seen[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	recs := make([]ingest.RawRecord, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		path := filepath.Join(a.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: read source file %s", path)
		}
		a.seen[name] = true
		recs = append(recs, ingest.RawRecord{
			Data:       data,
			Format:     a.format,
			SourcePath: path,
			StreamID:   name,
			ReceivedAt: time.Now().UTC(),
		})
	}
	return recs, nil
}

// staticAdapter serves a fixed batch once. Used by tests and replay.
type staticAdapter struct {
	recs   []ingest.RawRecord
	served bool
}

func (a *staticAdapter) Poll(context.Context) ([]ingest.RawRecord, error) {
	if a.served {
		return nil, nil
	}
	a.served = true
	return a.recs, nil
}
