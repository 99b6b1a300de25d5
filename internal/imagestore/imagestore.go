// Package imagestore keeps the local image cache of each listing: active
// files under <root>/<shop>/images/<listing>/ and archived files under its
// old/ subdirectory.
package imagestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"listing-experiments/internal/models"
)

const archiveDirName = "old"

// Layout resolves image directories below a data root.
type Layout struct {
	Root string
}

func (l Layout) ImagesRoot(shopID int64) string {
	return filepath.Join(l.Root, strconv.FormatInt(shopID, 10), "images")
}

func (l Layout) ListingDir(shopID, listingID int64) string {
	return filepath.Join(l.ImagesRoot(shopID), strconv.FormatInt(listingID, 10))
}

func (l Layout) ArchiveDir(shopID, listingID int64) string {
	return filepath.Join(l.ListingDir(shopID, listingID), archiveDirName)
}

// FileName is the cache file name of an image: rank-prefixed so a
// directory listing shows the display order.
func FileName(rank int, imageID int64, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("%02d_%d%s", rank, imageID, ext)
}

// Archive moves the active file entry of imageID into the archived
// section and its file into archiveDir. It returns nil when the manifest
// has no active entry for the id.
func Archive(m *models.ImageManifest, archiveDir string, imageID int64) (*models.ImageFile, error) {
	idx := -1
	for i, f := range m.Files {
		if f.ListingImageID == imageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	entry := m.Files[idx]
	if entry.Path != "" {
		if _, err := os.Stat(entry.Path); err == nil {
			dest := filepath.Join(archiveDir, filepath.Base(entry.Path))
			if err := moveFile(entry.Path, dest); err != nil {
				return nil, fmt.Errorf("failed to archive image file %s: %w", entry.Path, err)
			}
			entry.Path = dest
		}
	}

	m.Files = append(m.Files[:idx], m.Files[idx+1:]...)
	m.Archived.Files = append(m.Archived.Files, entry)
	return &entry, nil
}

// Restore moves the archived entry of imageID back into the active files
// and its file into listingDir. It returns nil when nothing is archived
// under the id.
func Restore(m *models.ImageManifest, listingDir string, imageID int64) (*models.ImageFile, error) {
	idx := -1
	for i, f := range m.Archived.Files {
		if f.ListingImageID == imageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	entry := m.Archived.Files[idx]
	if entry.Path != "" {
		if _, err := os.Stat(entry.Path); err == nil {
			dest := filepath.Join(listingDir, filepath.Base(entry.Path))
			if err := moveFile(entry.Path, dest); err != nil {
				return nil, fmt.Errorf("failed to restore image file %s: %w", entry.Path, err)
			}
			entry.Path = dest
		}
	}

	m.Archived.Files = append(m.Archived.Files[:idx], m.Archived.Files[idx+1:]...)
	m.Files = append(m.Files, entry)
	return &entry, nil
}

func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	// rename fails across filesystems
	return copyAndRemove(src, dest)
}

func copyAndRemove(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
