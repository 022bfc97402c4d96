// Package archive builds the downloadable video bundles: a flat directory of
// sanitized video files plus a CSV manifest, compressed into one zip.
package archive

import (
	"archive/zip"
	"compress/flate"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ManifestName is the tabular summary written alongside the videos.
const ManifestName = "manifest.csv"

// ManifestEntry is one row of the archive manifest.
type ManifestEntry struct {
	Subject   string
	StartTime time.Time
	Filename  string
}

// SanitizeVideoName derives a filesystem-safe, collision-resistant filename
// from the class id, subject identity and start timestamp: "@" and "." in
// the email and ":" in the timestamp are replaced so the name survives any
// filesystem.
func SanitizeVideoName(classID, subjectEmail string, startTime time.Time) string {
	email := strings.NewReplacer("@", "_at_", ".", "_").Replace(subjectEmail)
	stamp := strings.ReplaceAll(startTime.UTC().Format("2006-01-02T15:04:05"), ":", "-")
	return fmt.Sprintf("%s_%s_%s.mp4", classID, email, stamp)
}

// WriteManifest writes the flat tabular summary of the bundle's contents.
func WriteManifest(path string, entries []ManifestEntry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"subject", "start_time", "filename"}); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}

	for _, entry := range entries {
		row := []string{entry.Subject, entry.StartTime.UTC().Format(time.RFC3339), entry.Filename}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write manifest row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// CreateZip compresses every regular file directly inside srcDir into a zip
// at outPath using the given deflate level.
func CreateZip(srcDir, outPath string, level int) error {
	if level < flate.BestSpeed || level > flate.BestCompression {
		level = flate.DefaultCompression
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to read archive source dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFile(zw, filepath.Join(srcDir, entry.Name()), entry.Name()); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	return out.Sync()
}

func addFile(zw *zip.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for archiving: %w", path, err)
	}
	defer file.Close()

	writer, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}

	return nil
}
