// internal/timeline/export.go
package timeline

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// BundleName is the compressed archive written next to the exported files
const BundleName = "bundle.tar.zst"

// Export writes the entry's full prompt, full diff, and metadata into dir,
// plus a compressed bundle of those files for handing off as one artifact.
// Side files that were never recorded are simply omitted. Returns dir.
func (s *Store) Export(id int, dir string) (string, error) {
	entry, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if dir == "" {
		return "", fmt.Errorf("export directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	type exportFile struct {
		name string
		data []byte
	}
	files := []exportFile{}

	if data, err := os.ReadFile(s.promptPath(id)); err == nil {
		files = append(files, exportFile{"prompt.txt", data})
	}
	if data, err := os.ReadFile(s.diffFilePath(id)); err == nil {
		files = append(files, exportFile{"diff.patch", data})
	}

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	files = append(files, exportFile{"meta.json", meta})

	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0644); err != nil {
			return "", fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0644,
			Size:    int64(len(f.data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", fmt.Errorf("write bundle header: %w", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return "", fmt.Errorf("write bundle entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close bundle: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("create encoder: %w", err)
	}
	defer encoder.Close()

	compressed := encoder.EncodeAll(tarBuf.Bytes(), nil)
	if err := os.WriteFile(filepath.Join(dir, BundleName), compressed, 0644); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}

	return dir, nil
}
