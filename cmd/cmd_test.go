package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/biomatch/internal/blobstore"
	"github.com/andresmejia3/biomatch/internal/config"
	"github.com/andresmejia3/biomatch/internal/engine"
	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/logging"
	"github.com/andresmejia3/biomatch/internal/media"
	"github.com/andresmejia3/biomatch/internal/types"
	"github.com/andresmejia3/biomatch/internal/utils"
)

// stubDetector finds one subject in "one", two in "two" and none otherwise.
type stubDetector struct{}

func (stubDetector) Detect(_ context.Context, f media.Frame) ([]types.Track, error) {
	switch string(f.Data) {
	case "one":
		return []types.Track{{{Rect: types.Rect{X: 1, Width: 10, Height: 10}, Confidence: 0.9}}}, nil
	case "two":
		return []types.Track{
			{{Rect: types.Rect{X: 1, Width: 10, Height: 10}, Confidence: 0.9}},
			{{Rect: types.Rect{X: 2, Width: 20, Height: 20}, Confidence: 0.5}},
		}, nil
	}
	return nil, nil
}

// stubExtractor derives the vector from the rectangle's X offset.
type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, _ media.Frame, t types.Track) ([]float32, error) {
	return []float32{float32(t[0].Rect.X), 1}, nil
}

func setup(t *testing.T) (*engine.Session, *types.Context) {
	t.Helper()
	Cfg = config.Default()
	Cfg.Blob.Dir = t.TempDir()
	Log = logging.Noop()
	c := types.DefaultContext()
	CallCtx = c
	return engine.New(stubDetector{}, stubExtractor{}, engine.WithLogger(Log)), &c
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func readCSV(t *testing.T, path string) *utils.Table {
	t.Helper()
	tbl, err := utils.ReadTable(path)
	require.NoError(t, err)
	return tbl
}

// writeManifest stores each vector as a template and lists it under ids[i].
func writeManifest(t *testing.T, dir string, ids []uint64, vectors [][]float32, media []string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("id,template,media\n")
	for i, v := range vectors {
		name := "t" + strconv.Itoa(i) + ".tmpl"
		require.NoError(t, writeTemplate(filepath.Join(dir, name), types.NewTemplate(v, types.SearchGallery)))
		m := ""
		if media != nil {
			m = media[i]
		}
		sb.WriteString(strconv.FormatUint(ids[i], 10) + "," + name + "," + m + "\n")
	}
	return writeFile(t, dir, "manifest.csv", sb.String())
}

func TestRunDetect(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jpg", "one")
	b := writeFile(t, dir, "b.jpg", "two")
	out := filepath.Join(dir, "dets.csv")
	detDir := filepath.Join(dir, "det")

	err := runDetect(context.Background(), sess, c, detectOptions{Inputs: []string{a, b}, Output: out, DetDir: detDir, NthFrame: 1})
	require.NoError(t, err)

	tbl := readCSV(t, out)
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, a, tbl.Get(0, "media"))
	assert.Equal(t, "20", tbl.Get(2, "width"))

	dets, err := readDetections(detPath(detDir, b))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, int32(2), dets[1].Track[0].Rect.X)
}

func TestRunDetectErrors(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()

	err := runDetect(context.Background(), sess, c, detectOptions{Inputs: []string{"x.jpg"}, Output: "-", NthFrame: 0})
	assert.ErrorIs(t, err, types.ErrBadArgument)

	empty := writeFile(t, dir, "empty.jpg", "")
	err = runDetect(context.Background(), sess, c, detectOptions{Inputs: []string{empty}, Output: filepath.Join(dir, "o.csv"), NthFrame: 1})
	assert.ErrorIs(t, err, types.ErrBatchFinishedWithErrors)

	noDetector := engine.New(nil, nil, engine.WithLogger(Log))
	img := writeFile(t, dir, "a.jpg", "one")
	err = runDetect(context.Background(), noDetector, c, detectOptions{Inputs: []string{img}, Output: filepath.Join(dir, "o.csv"), NthFrame: 1})
	assert.ErrorIs(t, err, types.ErrBatchFinishedWithErrors)
}

func TestEnrollBuildAndSearch(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jpg", "one")
	b := writeFile(t, dir, "b.jpg", "two")
	none := writeFile(t, dir, "c.jpg", "nobody")
	outDir := filepath.Join(dir, "templates")

	err := runEnroll(context.Background(), sess, c, enrollOptions{Inputs: []string{a, b, none}, OutDir: outDir})
	require.ErrorIs(t, err, types.ErrBatchFinishedWithErrors, "the image without a subject fails but the batch finishes")

	manifest := filepath.Join(outDir, "templates.csv")
	tbl := readCSV(t, manifest)
	require.Equal(t, 2, tbl.Len())
	assert.FileExists(t, filepath.Join(outDir, "a.tmpl"))
	assert.FileExists(t, filepath.Join(outDir, "b.det"))
	assert.NoFileExists(t, filepath.Join(outDir, "c.tmpl"))

	idA, err := utils.MediaID64(a)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(idA, 10), tbl.Get(0, "id"))
	hashA, err := utils.GenerateMediaID(a)
	require.NoError(t, err)
	assert.Equal(t, hashA, tbl.Get(0, "media_hash"))
	assert.Equal(t, a, tbl.Get(0, "media"))

	galleryPath := filepath.Join(dir, "gallery.zst")
	require.NoError(t, runGalleryInsert(context.Background(), sess, c, galleryOptions{Path: galleryPath, Manifest: manifest}, true))

	var info bytes.Buffer
	require.NoError(t, runGalleryInfo(&info, galleryPath))
	assert.Contains(t, info.String(), "templates: 2")

	hits := filepath.Join(dir, "hits.csv")
	require.NoError(t, runSearch(context.Background(), sess, c, searchOptions{Gallery: galleryPath, Probes: manifest, Output: hits}))
	res := readCSV(t, hits)
	require.Equal(t, 4, res.Len())
	assert.Equal(t, tbl.Get(0, "id"), res.Get(0, "probe"))
	assert.Equal(t, tbl.Get(0, "id"), res.Get(0, "id"), "a probe finds itself first")
	assert.Equal(t, "1", res.Get(0, "rank"))
	assert.Equal(t, "1.000000", res.Get(0, "score"))
}

func TestEnrollFromDetections(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jpg", "one")
	detDir := filepath.Join(dir, "det")
	require.NoError(t, runDetect(context.Background(), sess, c, detectOptions{Inputs: []string{a}, Output: filepath.Join(dir, "d.csv"), DetDir: detDir, NthFrame: 1}))

	outDir := filepath.Join(dir, "out")
	require.NoError(t, runEnroll(context.Background(), sess, c, enrollOptions{Inputs: []string{a}, OutDir: outDir, DetectionsDir: detDir}))

	tmpl, err := readTemplate(filepath.Join(outDir, "a.tmpl"))
	require.NoError(t, err)
	assert.InDelta(t, 1/1.41421356, tmpl.Vector[0], 1e-5)
}

func TestEnrollNothing(t *testing.T) {
	sess, c := setup(t)
	err := runEnroll(context.Background(), sess, c, enrollOptions{OutDir: t.TempDir()})
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestGalleryAddRemove(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	manifest := writeManifest(t, dir, []uint64{1, 2}, [][]float32{{1, 0}, {0, 1}}, nil)
	path := filepath.Join(dir, "g.bin")

	require.NoError(t, runGalleryInsert(context.Background(), sess, c, galleryOptions{Path: path, Manifest: manifest}, true))

	err := runGalleryInsert(context.Background(), sess, c, galleryOptions{Path: path, Manifest: manifest}, false)
	assert.ErrorIs(t, err, types.ErrBatchFinishedWithErrors, "ids are already enrolled")

	err = runGalleryRemove(context.Background(), sess, c, galleryOptions{Path: path, IDs: []uint64{1, 99}})
	assert.ErrorIs(t, err, types.ErrBatchFinishedWithErrors)

	g, err := gallery.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, g.IDs())
}

func TestGalleryPushPullBlob(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	manifest := writeManifest(t, dir, []uint64{5, 6}, [][]float32{{1, 0}, {0, 1}}, nil)
	path := filepath.Join(dir, "g.bin")
	require.NoError(t, runGalleryInsert(context.Background(), sess, c, galleryOptions{Path: path, Manifest: manifest}, true))

	ctx := context.Background()
	require.NoError(t, runGalleryPush(ctx, galleryOptions{Path: path, Name: "staff.lz4", Backend: "blob"}))

	var list bytes.Buffer
	require.NoError(t, runGalleryList(ctx, &list, "blob"))
	assert.Equal(t, "staff.lz4\n", list.String())

	pulled := filepath.Join(dir, "pulled.zst")
	require.NoError(t, runGalleryPull(ctx, galleryOptions{Path: pulled, Name: "staff.lz4", Backend: "blob"}))
	g, err := gallery.Load(pulled)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{5, 6}, g.IDs())

	err = runGalleryPull(ctx, galleryOptions{Path: pulled, Name: "missing", Backend: "blob"})
	assert.ErrorIs(t, err, types.ErrMissingID)

	err = runGalleryPush(ctx, galleryOptions{Path: path, Name: "x", Backend: "ftp"})
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestSearchThreshold(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	manifest := writeManifest(t, dir, []uint64{1, 2, 3}, [][]float32{{1, 0}, {0.8, 0.6}, {0, 1}}, nil)
	path := filepath.Join(dir, "g.bin")
	require.NoError(t, runGalleryInsert(context.Background(), sess, c, galleryOptions{Path: path, Manifest: manifest}, true))

	c.Threshold = 0.5
	c.MaxReturns = 2
	probeDir := t.TempDir()
	probes := writeManifest(t, probeDir, []uint64{100}, [][]float32{{1, 0}}, nil)
	out := filepath.Join(dir, "hits.csv")
	require.NoError(t, runSearch(context.Background(), sess, c, searchOptions{Gallery: path, Probes: probes, Output: out}))

	res := readCSV(t, out)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "1", res.Get(0, "id"))
	assert.Equal(t, "2", res.Get(1, "id"))
}

func TestSearchGalleryIsPrepared(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	manifest := writeManifest(t, dir, []uint64{1, 2}, [][]float32{{1, 0}, {0, 1}}, nil)
	path := filepath.Join(dir, "g.bin")
	require.NoError(t, runGalleryInsert(context.Background(), sess, c, galleryOptions{Path: path, Manifest: manifest}, true))
	require.NoError(t, runGalleryPush(context.Background(), galleryOptions{Path: path, Name: "staff", Backend: "blob"}))

	tests := []struct {
		name string
		opts searchOptions
	}{
		{"Local", searchOptions{Gallery: path}},
		{"Local ANN", searchOptions{Gallery: path, ANN: true}},
		{"Published", searchOptions{Published: "staff", Backend: "blob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := searchGallery(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.True(t, g.Prepared())
			// two entries are far below the index size floor
			assert.False(t, g.Indexed())
		})
	}
}

func TestSearchInDBNeedsCosine(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	probes := writeManifest(t, dir, []uint64{1}, [][]float32{{1, 0}}, nil)

	Cfg.Engine.Comparator = "l2"
	err := runSearch(context.Background(), sess, c, searchOptions{Published: "staff", InDB: true, Probes: probes, Output: filepath.Join(dir, "hits.csv")})
	assert.ErrorIs(t, err, types.ErrBadArgument)

	err = runSearch(context.Background(), sess, c, searchOptions{Gallery: "g.bin", InDB: true, Probes: probes})
	assert.ErrorIs(t, err, types.ErrBadArgument, "in-db search needs a published gallery")
}

func TestRunCluster(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	vectors := [][]float32{{1, 0}, {0.99, 0.1}, {0, 1}}
	manifest := writeManifest(t, dir, []uint64{10, 20, 30}, vectors, []string{"m1", "m1", "m2"})

	for _, byMedia := range []bool{false, true} {
		out := filepath.Join(dir, "clusters-"+strconv.FormatBool(byMedia)+".csv")
		require.NoError(t, runCluster(context.Background(), sess, c, clusterOptions{Manifest: manifest, Output: out, ByMedia: byMedia}))

		res := readCSV(t, out)
		require.Equal(t, 3, res.Len())
		assert.Equal(t, "10", res.Get(0, "id"))
		assert.Equal(t, res.Get(0, "cluster"), res.Get(1, "cluster"), "near duplicates share a cluster")
		assert.NotEqual(t, res.Get(0, "cluster"), res.Get(2, "cluster"))
		assert.Equal(t, "m2", res.Get(2, "media"))
	}
}

func TestRunClusterByMediaNeedsMedia(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	manifest := writeManifest(t, dir, []uint64{1}, [][]float32{{1, 0}}, nil)
	err := runCluster(context.Background(), sess, c, clusterOptions{Manifest: manifest, Output: "-", ByMedia: true})
	assert.ErrorIs(t, err, types.ErrBadArgument)
}

func TestRunVerify(t *testing.T) {
	sess, c := setup(t)
	dir := t.TempDir()
	require.NoError(t, writeTemplate(filepath.Join(dir, "a.tmpl"), types.NewTemplate([]float32{1, 0}, types.ReferenceEnroll)))
	require.NoError(t, writeTemplate(filepath.Join(dir, "b.tmpl"), types.NewTemplate([]float32{0, 1}, types.VerificationEnroll)))

	var out bytes.Buffer
	require.NoError(t, runVerify(context.Background(), &out, sess, verifyOptions{Reference: filepath.Join(dir, "a.tmpl"), Probe: filepath.Join(dir, "a.tmpl")}))
	assert.Equal(t, "1.000000\n", out.String())

	pairs := writeFile(t, dir, "pairs.csv", "reference,probe\na.tmpl,a.tmpl\na.tmpl,b.tmpl\na.tmpl,missing.tmpl\n")
	err := runVerifyPairs(context.Background(), sess, c, verifyOptions{Pairs: pairs, Output: filepath.Join(dir, "scores.csv")})
	assert.ErrorIs(t, err, types.ErrIO, "unreadable templates stop the command before scoring")

	pairs = writeFile(t, dir, "pairs.csv", "reference,probe\na.tmpl,a.tmpl\na.tmpl,b.tmpl\n")
	scores := filepath.Join(dir, "scores.csv")
	require.NoError(t, runVerifyPairs(context.Background(), sess, c, verifyOptions{Pairs: pairs, Output: scores}))
	res := readCSV(t, scores)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "0.000000", res.Get(1, "score"))
}

func TestRunResetBlobs(t *testing.T) {
	setup(t)
	ctx := context.Background()
	bs := blobstore.NewLocalStore(Cfg.Blob.Dir)
	require.NoError(t, bs.Put(ctx, "a.bin", []byte("x")))

	var out bytes.Buffer
	require.NoError(t, runReset(ctx, strings.NewReader("n\n"), &out, false, true, false))
	names, err := bs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.bin"}, names, "declined prompt keeps blobs")

	require.NoError(t, runReset(ctx, strings.NewReader("y\n"), &out, false, true, false))
	names, err = bs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Contains(t, out.String(), "System Reset Complete")
}

func TestApplyGlobalFlags(t *testing.T) {
	cfg := config.Default()
	flags := rootCmd.PersistentFlags()
	require.NoError(t, flags.Parse([]string{"--threshold", "0.4", "--policy", "best", "--workers", "3"}))
	t.Cleanup(func() {
		for _, name := range []string{"threshold", "policy", "workers"} {
			f := flags.Lookup(name)
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})

	require.NoError(t, applyGlobalFlags(flags, cfg))
	require.NotNil(t, cfg.Context.Threshold)
	assert.Equal(t, 0.4, *cfg.Context.Threshold)
	assert.Equal(t, "best", cfg.Context.Policy)
	assert.Equal(t, 3, cfg.Engine.Workers)

	c, err := cfg.TypesContext()
	require.NoError(t, err)
	assert.Equal(t, types.DetectBest, c.Policy)

	require.NoError(t, flags.Set("threshold", "oops"))
	assert.ErrorIs(t, applyGlobalFlags(flags, cfg), types.ErrConfig)
}
