package dataset

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/janpfeifer/must"
)

// writeImage stores a solid RGB image of the given size whose red channel
// encodes seed, so tests can tell samples apart after decoding.
func writeImage(t *testing.T, dir, name string, height, width int, seed uint8) {
	t.Helper()
	img := imaging.New(width, height, color.NRGBA{R: seed, G: 10, B: 200, A: 255})
	img.SetNRGBA(0, 0, color.NRGBA{R: seed, G: 1, B: 2, A: 255})
	path := filepath.Join(dir, name)
	must.M(os.MkdirAll(filepath.Dir(path), 0o755))
	must.M(imaging.Save(img, path))
}

// writeSplit writes n images and a matching index, labels (i, 2i).
func writeSplit(t *testing.T, n, height, width int) Split {
	t.Helper()
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	var rows []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("img_%03d.png", i)
		writeImage(t, imgDir, name, height, width, uint8(i))
		rows = append(rows, fmt.Sprintf("%s %d %d", name, i, 2*i))
	}
	indexPath := filepath.Join(root, "labels.txt")
	must.M(os.WriteFile(indexPath, []byte(strings.Join(rows, "\n")+"\n"), 0o644))
	return Split{Name: "test", IndexPath: indexPath, ImageDir: imgDir}
}
