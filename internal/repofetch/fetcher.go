// Package repofetch materializes a user repository on disk for analysis
// and artifact generation.
package repofetch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/uuid"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
)

// Caps on what analysis is willing to look at.
const (
	maxInventoryFiles = 5000
	maxFileReadBytes  = 256 * 1024
)

// File is one entry of a checkout inventory, path relative to the root.
type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Checkout is a materialized repository.
type Checkout struct {
	Dir    string
	Branch string
	Files  []File
}

// Remove deletes the checkout from disk.
func (c *Checkout) Remove() error { return os.RemoveAll(c.Dir) }

// Fetcher clones repositories under a base directory, one subdirectory per
// clone.
type Fetcher struct {
	baseDir string
}

func NewFetcher(baseDir string) *Fetcher {
	return &Fetcher{baseDir: baseDir}
}

// Clone performs a shallow single-branch clone. token may be empty for
// public repositories.
func (f *Fetcher) Clone(ctx context.Context, repoURL, token string) (*Checkout, error) {
	dir := filepath.Join(f.baseDir, "checkouts", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "create checkout dir failed")
	}

	opts := &git.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
	}
	if token != "" {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "clone repository failed")
	}

	branch := ""
	if head, err := repo.Head(); err == nil {
		branch = head.Name().Short()
	}

	files, err := inventory(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	logger.L().Info("repository cloned",
		zap.String("url", repoURL),
		zap.String("branch", branch),
		zap.Int("files", len(files)),
	)
	return &Checkout{Dir: dir, Branch: branch, Files: files}, nil
}

// ReadFile returns the content of one inventoried file, truncated at the
// analysis cap.
func (c *Checkout) ReadFile(path string) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", appErr.Newf(appErr.CodeInvalid, "path %q escapes checkout", path)
	}
	data, err := os.ReadFile(filepath.Join(c.Dir, clean))
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeNotFound, "read repository file failed")
	}
	if len(data) > maxFileReadBytes {
		data = data[:maxFileReadBytes]
	}
	return string(data), nil
}

func inventory(root string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxInventoryFiles {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "inventory checkout failed")
	}
	return files, nil
}
