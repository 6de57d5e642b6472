// Package pipeline files a completed download into the library: direct
// ebooks move as-is, archives are safely extracted and the best member is
// selected.
package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/bookdash/bookdash/internal/config"
	"github.com/bookdash/bookdash/internal/errors"
)

const epubMimetype = "application/epub+zip"

// ebookExtensions are the extensions filed directly without extraction.
var ebookExtensions = map[string]bool{
	".epub": true,
	".pdf":  true,
	".mobi": true,
	".azw3": true,
	".txt":  true,
}

// Pipeline classifies and files downloaded artifacts under one
// configuration snapshot.
type Pipeline struct {
	snap config.Snapshot
}

// New creates a pipeline over the given snapshot.
func New(snap config.Snapshot) *Pipeline {
	return &Pipeline{snap: snap}
}

// Process takes the path of a completed download, the request identifier it
// answered, a job identifier scoping any extraction scratch space, and an
// optional target folder. It returns the final library path of the filed
// ebook.
func (p *Pipeline) Process(artifact, requestID, jobID, targetFolder string) (string, error) {
	info, err := os.Stat(artifact)
	if err != nil {
		return "", errors.NewProtocolError(err, artifact)
	}
	if info.Size() == 0 {
		if err := os.Remove(artifact); err != nil {
			slog.Warn("empty artifact could not be removed", "path", artifact, "error", err)
		}
		return "", errors.NewProtocolError(errors.ErrEmptyArtifact, artifact)
	}

	library := p.libraryDir(targetFolder)

	name := filepath.Base(artifact)
	direct := ebookExtensions[strings.ToLower(filepath.Ext(candidateName(requestID)))]

	// A zip container carrying the epub mimetype is an ebook no matter what
	// its current extension claims.
	if isEpubContainer(artifact) {
		direct = true
		if !strings.EqualFold(filepath.Ext(name), ".epub") {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ".epub"
		}
	}

	if direct {
		dest := filepath.Join(library, name)
		if err := moveFile(artifact, dest); err != nil {
			return "", errors.NewIOError(err, dest)
		}
		slog.Info("ebook filed", "path", dest)
		return dest, nil
	}

	scratch := filepath.Join(p.snap.ScratchDir, jobID)
	extracted, err := extractArchive(artifact, scratch)
	if err != nil {
		var fe *errors.FetchError
		if errors.As(err, &fe) {
			// Traversal and write failures are fatal; the half-extracted
			// scratch directory stays behind for inspection.
			return "", err
		}
		// Not a recognized archive: file the raw artifact as-is.
		slog.Info("artifact is not an archive, filing raw", "path", artifact, "error", err)
		dest := filepath.Join(library, name)
		if err := moveFile(artifact, dest); err != nil {
			return "", errors.NewIOError(err, dest)
		}
		return dest, nil
	}

	selected, err := selectEbook(extracted)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(library, filepath.Base(selected))
	if err := moveFile(selected, dest); err != nil {
		return "", errors.NewIOError(err, dest)
	}

	if err := os.RemoveAll(scratch); err != nil {
		slog.Warn("scratch cleanup failed", "path", scratch, "error", err)
	}
	if err := os.Remove(artifact); err != nil {
		slog.Warn("archive cleanup failed", "path", artifact, "error", err)
	}

	slog.Info("ebook extracted and filed", "path", dest, "archive", artifact)
	return dest, nil
}

func (p *Pipeline) libraryDir(targetFolder string) string {
	if targetFolder == "" {
		return p.snap.LibraryDir
	}
	if filepath.IsAbs(targetFolder) {
		return targetFolder
	}
	return filepath.Join(p.snap.LibraryDir, targetFolder)
}

// candidateName derives a filename from the request identifier, dropping a
// leading "!botname" trigger when present.
func candidateName(requestID string) string {
	s := strings.TrimSpace(requestID)
	if strings.HasPrefix(s, "!") {
		if _, rest, ok := strings.Cut(s, " "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return s
}

// isEpubContainer reports whether path is a zip whose mimetype member
// declares an epub.
func isEpubContainer(path string) bool {
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != "mimetype" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return false
		}
		content, err := io.ReadAll(io.LimitReader(rc, 64))
		rc.Close()
		if err != nil {
			return false
		}
		return strings.TrimSpace(string(content)) == epubMimetype
	}
	return false
}

// extractArchive unpacks a zip into dest, refusing any entry that resolves
// outside it. The returned paths are the extracted regular files.
func extractArchive(archive, dest string) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, errors.NewIOError(err, dest)
	}

	root := filepath.Clean(dest)
	var files []string

	for _, f := range r.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return nil, errors.NewExtractionError(
				fmt.Errorf("entry %q escapes extraction directory", f.Name), archive)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, errors.NewIOError(err, target)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, errors.NewIOError(err, target)
		}

		if err := writeEntry(f, target); err != nil {
			return nil, err
		}
		files = append(files, target)
	}

	return files, nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return errors.NewExtractionError(err, f.Name)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return errors.NewIOError(err, target)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return errors.NewExtractionError(err, f.Name)
	}
	return nil
}

// selectEbook picks the lexicographically first file with an ebook
// extension, falling back to the first file of any kind.
func selectEbook(files []string) (string, error) {
	if len(files) == 0 {
		return "", errors.NewProtocolError(errors.ErrNoFiles, "")
	}

	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	for _, f := range sorted {
		if ebookExtensions[strings.ToLower(filepath.Ext(f))] {
			return f, nil
		}
	}
	return files[0], nil
}

// moveFile renames src to dest, copying across filesystems when rename is
// not possible.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

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
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
