package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/biomatch/internal/batch"
	"github.com/andresmejia3/biomatch/internal/blobstore"
	"github.com/andresmejia3/biomatch/internal/cluster"
	"github.com/andresmejia3/biomatch/internal/codec"
	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/score"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
	"github.com/andresmejia3/biomatch/internal/worker"
)

// newSession builds an engine session from the resolved config. With
// workers set it also starts the Python pool that backs detection and
// feature extraction; the returned release function stops it.
func newSession(workers bool) (*engine.Session, func() error, error) {
	cmp, err := score.ByName(Cfg.Engine.Comparator)
	if err != nil {
		return nil, nil, err
	}
	opts := []engine.Option{
		engine.WithComparator(cmp),
		engine.WithLogger(Log),
		engine.WithWorkers(Cfg.Engine.Workers),
		engine.WithMetrics(globalOpts.MetricsFile != ""),
		engine.WithClusterOptions(cluster.Options{Seed: Cfg.Engine.Seed}),
	}
	if !workers {
		return engine.New(nil, nil, opts...), func() error { return nil }, nil
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", Cfg.Engine.Workers)
	pool, err := worker.NewPool(Cfg.Engine.Workers, Cfg.Engine.WorkerScript, Cfg.Engine.WorkerTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start workers: %w", err)
	}
	release := func() error {
		if err := pool.Close(); err != nil {
			if logs := pool.Logs(); logs != "" {
				Log.Warn("worker output", "logs", logs)
			}
			return err
		}
		return nil
	}
	return engine.New(pool, pool, opts...), release, nil
}

// progress draws a bar on stderr for a batch of total items.
func progress(total int, desc string) batch.Option {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	return batch.WithProgress(func(done int) {
		_ = bar.Set(done)
		if done == total {
			_ = bar.Finish()
		}
	})
}

// report prints one line per failed item and turns a failed batch into a
// command error, so the process exits non-zero.
func report(w io.Writer, op string, labels []string, r batch.Result) error {
	for i, err := range r.Items {
		if err == nil {
			continue
		}
		label := strconv.Itoa(i)
		if i < len(labels) {
			label = labels[i]
		}
		fmt.Fprintf(w, "❌ %s %s: %v\n", op, label, err)
	}
	if r.Status != nil {
		return fmt.Errorf("%s: %d of %d attempted items failed: %w", op, r.Failed(), len(r.Items), r.Status)
	}
	return nil
}

func readTemplate(path string) (types.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Template{}, fmt.Errorf("reading template %s: %v: %w", path, err, types.ErrIO)
	}
	t, err := codec.DecodeTemplate(data)
	if err != nil {
		return types.Template{}, fmt.Errorf("template %s: %w", path, err)
	}
	return t, nil
}

func writeTemplate(path string, t types.Template) error {
	data, err := codec.EncodeTemplate(t)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing template %s: %v: %w", path, err, types.ErrIO)
	}
	return nil
}

// manifestRow is one line of a template manifest: id,template[,media].
type manifestRow struct {
	ID       uint64
	Path     string
	Media    string
	Template types.Template
}

// readManifest loads every template a manifest lists. Relative template
// paths are resolved against the manifest's directory.
func readManifest(path string) ([]manifestRow, error) {
	t, err := utils.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if err := t.Require("id", "template"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	rows := make([]manifestRow, t.Len())
	for i := range rows {
		id, err := strconv.ParseUint(t.Get(i, "id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: bad id %q: %w", path, i+1, t.Get(i, "id"), types.ErrBadArgument)
		}
		p := t.Get(i, "template")
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		tmpl, err := readTemplate(p)
		if err != nil {
			return nil, err
		}
		rows[i] = manifestRow{ID: id, Path: p, Media: t.Get(i, "media"), Template: tmpl}
	}
	return rows, nil
}

func splitManifest(rows []manifestRow) ([]types.Template, []uint64) {
	templates := make([]types.Template, len(rows))
	ids := make([]uint64, len(rows))
	for i, r := range rows {
		templates[i], ids[i] = r.Template, r.ID
	}
	return templates, ids
}

// openBlobStore returns MinIO when an endpoint is configured and the local
// gallery directory otherwise.
func openBlobStore(ctx context.Context) (blobstore.BlobStore, error) {
	b := Cfg.Blob
	if b.Endpoint == "" {
		return blobstore.NewLocalStore(b.Dir), nil
	}
	return blobstore.DialMinio(ctx, b.Endpoint, b.AccessKey, b.SecretKey, b.Bucket, b.UseSSL)
}
