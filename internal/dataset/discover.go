package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"locnet/internal/errs"
)

const maxReportedMissing = 5

// CheckImages verifies that every file named by the index can be opened
// under imageDir, resolving paths and symlinks the same way the loader does.
// Missing files are reported together, a few at a time.
func CheckImages(index *Index, imageDir string) error {
	var missing []string
	seen := make(map[string]bool)
	for _, rec := range index.Records {
		if seen[rec.File] {
			continue
		}
		seen[rec.File] = true
		info, err := os.Stat(filepath.Join(imageDir, rec.File))
		if err != nil || info.IsDir() {
			missing = append(missing, rec.File)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	shown := missing
	if len(shown) > maxReportedMissing {
		shown = shown[:maxReportedMissing]
	}
	return errs.New(errs.IO, "%s: %d image(s) referenced by %s not found: %s",
		imageDir, len(missing), index.Path, strings.Join(shown, ", "))
}
