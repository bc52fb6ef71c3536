package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/castworks/cw-studio/internal/data"
)

// Source lists the asset catalog. Satisfied by data.AssetModel and by
// the read-through cache.
type Source interface {
	List(ctx context.Context) ([]*data.Asset, error)
}

// Library maps asset rows to files on disk. Static images and video
// clips live under the uploads dir; api_image assets are fetched into
// a managed file next to them so the encoder always reads local files.
type Library struct {
	uploadsDir string
	source     Source
}

func NewLibrary(uploadsDir string, source Source) *Library {
	return &Library{uploadsDir: uploadsDir, source: source}
}

// ResolvePath returns the on-disk file the encoder should read for the
// asset. This is what the timeline builder plugs in as its AssetPath.
func (l *Library) ResolvePath(a *data.Asset) string {
	if a.Kind == data.AssetAPIImage {
		return l.fetchedPath(a)
	}
	return filepath.Join(l.uploadsDir, filepath.Clean("/"+a.Path))
}

// fetchedPath is where the refresher drops the latest download. The
// extension is taken from the source URL so ffmpeg can sniff the format.
func (l *Library) fetchedPath(a *data.Asset) string {
	ext := filepath.Ext(a.Path)
	if ext == "" || len(ext) > 5 {
		ext = ".png"
	}
	return filepath.Join(l.uploadsDir, fmt.Sprintf("api_image_%d%s", a.ID, ext))
}

// Problem describes one asset whose backing file is unusable.
type Problem struct {
	AssetID int64  `json:"asset_id"`
	Name    string `json:"name"`
	Detail  string `json:"detail"`
}

// Validate stats every asset's backing file and reports the ones that
// are missing or unreadable. An api_image that has never been fetched
// counts as a problem; the refresher clears it on first success.
func (l *Library) Validate(ctx context.Context) ([]Problem, error) {
	all, err := l.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	var problems []Problem
	for _, a := range all {
		path := l.ResolvePath(a)
		info, err := os.Stat(path)
		switch {
		case err != nil:
			problems = append(problems, Problem{AssetID: a.ID, Name: a.Name, Detail: "file missing"})
		case info.IsDir():
			problems = append(problems, Problem{AssetID: a.ID, Name: a.Name, Detail: "path is a directory"})
		case info.Size() == 0:
			problems = append(problems, Problem{AssetID: a.ID, Name: a.Name, Detail: "file empty"})
		}
	}
	return problems, nil
}
