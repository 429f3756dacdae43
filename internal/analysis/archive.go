package analysis

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/kiranshivaraju/framehunter/internal/objectstore"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// ArchiveTool extracts a ZIP object and uploads each file next to the source
// under "<key>_extracted/".
type ArchiveTool struct {
	objects objectstore.Store
}

func NewArchiveTool(objects objectstore.Store) *ArchiveTool {
	return &ArchiveTool{objects: objects}
}

func (t *ArchiveTool) Kind() ToolKind { return ToolArchive }

func (t *ArchiveTool) Execute(ctx context.Context, src Source) (*models.AnalysisResult, error) {
	if t.objects == nil {
		return nil, errors.New("archive extraction needs an object store")
	}
	if src.Path == "" {
		return nil, ErrMissingSource
	}

	zr, err := zip.OpenReader(src.Path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	res := &models.ArchiveResult{
		Bucket:    src.Video.Bucket,
		Prefix:    ExtractPrefix(src.Video.Key),
		Extracted: make([]models.ExtractedObject, 0, len(zr.File)),
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, ok := entryName(f)
		if !ok {
			res.Skipped++
			continue
		}
		key := res.Prefix + name
		if err := t.upload(ctx, f, src.Video.Bucket, key); err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
		res.Extracted = append(res.Extracted, models.ExtractedObject{Key: key, Size: int64(f.UncompressedSize64)})
	}

	slog.Info("archive extracted",
		"bucket", src.Video.Bucket,
		"key", src.Video.Key,
		"extracted", len(res.Extracted),
		"skipped", res.Skipped,
	)
	return &models.AnalysisResult{Tool: string(ToolArchive), Video: src.Video, Archive: res}, nil
}

func (t *ArchiveTool) upload(ctx context.Context, f *zip.File, bucket, key string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return t.objects.Put(ctx, bucket, key, rc, int64(f.UncompressedSize64))
}

// ExtractPrefix returns the key prefix extracted entries are written under.
func ExtractPrefix(key string) string {
	return strings.TrimSuffix(key, ".zip") + "_extracted/"
}

// entryName returns the cleaned entry path. Directories, OS metadata and
// paths escaping the prefix are rejected.
func entryName(f *zip.File) (string, bool) {
	if f.FileInfo().IsDir() {
		return "", false
	}
	name := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
	if name == "." || strings.HasPrefix(name, "/") || name == ".." || strings.HasPrefix(name, "../") {
		return "", false
	}
	if strings.HasPrefix(name, "__MACOSX/") || path.Base(name) == ".DS_Store" {
		return "", false
	}
	return name, true
}
