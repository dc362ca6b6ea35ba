package loopserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// exportApproved copies every approved image into <outputDir>/loopdeck_export/<loop id>.
func (s *Server) exportApproved(loopID string) (int, string, error) {
	entries, err := s.registry.Approved(loopID)
	if err != nil {
		return 0, "", err
	}
	if s.config.OutputDir == "" {
		return 0, "", fmt.Errorf("output_dir_not_configured")
	}

	dest := filepath.Join(s.config.OutputDir, "loopdeck_export", loopID)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, "", fmt.Errorf("create export dir: %w", err)
	}

	count := 0
	stamp := time.Now().UnixMilli()
	for _, entry := range entries {
		for i, img := range entry.Outputs.Images {
			if img.Filename == "" {
				continue
			}
			src := filepath.Join(s.config.OutputDir, filepath.FromSlash(img.Subfolder), img.Filename)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			ext := filepath.Ext(img.Filename)
			if ext == "" {
				ext = ".png"
			}
			name := fmt.Sprintf("cycle_%04d_r%02d_i%02d_%d_%04d%s", entry.CycleIndex, entry.RetryIndex, i, stamp, count, ext)
			if err := copyFile(src, filepath.Join(dest, name)); err != nil {
				return count, dest, err
			}
			count++
		}
	}
	return count, dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
