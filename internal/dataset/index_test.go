package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locnet/internal/errs"
)

func TestParseIndex(t *testing.T) {
	content := "a.png 1 2\n\n  b.png\t3.5   -4\nsub/c.jpg 0 1e2\n"
	ix, err := ParseIndex("labels.txt", content)
	require.NoError(t, err)
	require.Equal(t, 3, ix.Len())
	assert.Equal(t, Record{File: "a.png", X: 1, Y: 2}, ix.Records[0])
	assert.Equal(t, Record{File: "b.png", X: 3.5, Y: -4}, ix.Records[1])
	assert.Equal(t, Record{File: "sub/c.jpg", X: 0, Y: 100}, ix.Records[2])
}

func TestParseIndexKeepsFileNamesVerbatim(t *testing.T) {
	ix, err := ParseIndex("labels.txt", "NA 1 2\na\"b.png 3 4\n\"quoted\".png 5 6\nnan.png 0 0\n")
	require.NoError(t, err)
	require.Equal(t, 4, ix.Len())
	assert.Equal(t, Record{File: "NA", X: 1, Y: 2}, ix.Records[0])
	assert.Equal(t, Record{File: `a"b.png`, X: 3, Y: 4}, ix.Records[1])
	assert.Equal(t, `"quoted".png`, ix.Records[2].File)
	assert.Equal(t, "nan.png", ix.Records[3].File)
}

func TestIndexStats(t *testing.T) {
	ix, err := ParseIndex("labels.txt", "a.png 1 10\nb.png 2 20\nc.png 3 60\n")
	require.NoError(t, err)
	x, y := ix.Stats()
	assert.InDelta(t, 2.0, x.Mean, 1e-9)
	assert.InDelta(t, 1.0, x.StdDev, 1e-9)
	assert.Equal(t, 1.0, x.Min)
	assert.Equal(t, 3.0, x.Max)
	assert.InDelta(t, 30.0, y.Mean, 1e-9)
	assert.Equal(t, 60.0, y.Max)

	x, y = (&Index{}).Stats()
	assert.Zero(t, x)
	assert.Zero(t, y)
}

func TestParseIndexEmpty(t *testing.T) {
	ix, err := ParseIndex("empty.txt", "\n  \n")
	require.NoError(t, err)
	assert.Equal(t, 0, ix.Len())
}

func TestParseIndexMalformed(t *testing.T) {
	cases := map[string]string{
		"missing coordinate": "a.png 1 2\nb.png 3\n",
		"extra field":        "a.png 1 2 3\n",
		"not a number":       "a.png 1 two\n",
		"not finite":         "a.png NaN 2\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIndex("labels.txt", content)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.Format), "got %v", err)
			assert.Contains(t, err.Error(), "labels.txt:")
		})
	}
}

func TestParseIndexReportsLine(t *testing.T) {
	_, err := ParseIndex("labels.txt", "a.png 1 2\n\nb.png 3\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labels.txt:3")
}

func TestLoadIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("x.png 4 5\n"), 0o644))
	ix, err := LoadIndex(path)
	require.NoError(t, err)
	assert.Equal(t, path, ix.Path)
	assert.Equal(t, 1, ix.Len())

	_, err = LoadIndex(filepath.Join(dir, "missing.txt"))
	assert.True(t, errs.Is(err, errs.IO))
}
