package dataset

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"locnet/internal/errs"
)

// Record is one row of a label index: an image file name and the target
// coordinates.
type Record struct {
	File string
	X, Y float32
}

// Index is the ordered content of a label index file.
type Index struct {
	Path    string
	Records []Record
}

// Len returns the number of records.
func (ix *Index) Len() int { return len(ix.Records) }

// LoadIndex reads a whitespace-delimited label index: one
// "<file> <x> <y>" row per sample.
func LoadIndex(path string) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "read label index")
	}
	return ParseIndex(path, string(raw))
}

// ParseIndex parses the content of a label index. Runs of spaces and tabs
// count as a single separator and blank lines are skipped. Any row that does
// not hold exactly a file name and two finite numbers is a format error.
// File names are taken verbatim.
func ParseIndex(path, content string) (*Index, error) {
	ix := &Index{Path: path}
	for i, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, errs.New(errs.Format, "%s:%d: expected 3 fields (file x y), got %d", path, i+1, len(fields))
		}
		x, err := parseCoord(fields[1])
		if err != nil {
			return nil, errs.Wrap(errs.Format, err, "%s:%d: x coordinate", path, i+1)
		}
		y, err := parseCoord(fields[2])
		if err != nil {
			return nil, errs.Wrap(errs.Format, err, "%s:%d: y coordinate", path, i+1)
		}
		ix.Records = append(ix.Records, Record{File: fields[0], X: x, Y: y})
	}
	return ix, nil
}

// LabelStats summarizes one label coordinate over an index.
type LabelStats struct {
	Mean, StdDev, Min, Max float64
}

// Stats returns the distribution of the x and y labels. It is zero for an
// empty index.
func (ix *Index) Stats() (x, y LabelStats) {
	if len(ix.Records) == 0 {
		return LabelStats{}, LabelStats{}
	}
	xs := make([]float64, len(ix.Records))
	ys := make([]float64, len(ix.Records))
	for i, r := range ix.Records {
		xs[i], ys[i] = float64(r.X), float64(r.Y)
	}
	return statsOf(series.New(xs, series.Float, "x")), statsOf(series.New(ys, series.Float, "y"))
}

func statsOf(s series.Series) LabelStats {
	return LabelStats{Mean: s.Mean(), StdDev: s.StdDev(), Min: s.Min(), Max: s.Max()}
}

func parseCoord(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.Errorf("value %q is not finite", s)
	}
	return float32(v), nil
}
