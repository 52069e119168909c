package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var blobExt = map[string]string{
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
	"audio/mp4":    ".m4a",
	"audio/aac":    ".aac",
	"audio/ogg":    ".ogg",
	"audio/wav":    ".wav",
}

// blobName derives a file name from the song id that is safe on any
// filesystem.
func blobName(id, contentType string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	safe = strings.TrimLeft(safe, ".")
	if safe == "" {
		safe = "_"
	}

	mediaType, _, _ := strings.Cut(contentType, ";")
	ext, ok := blobExt[strings.ToLower(strings.TrimSpace(mediaType))]
	if !ok {
		ext = ".bin"
	}
	return safe + ext
}

// writeBlob writes data next to its final path with a .part suffix, syncs
// it and renames it into place, so readers never see a partial payload.
func writeBlob(path string, data []byte) error {
	tmp := path + ".part"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("could not open part file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}
