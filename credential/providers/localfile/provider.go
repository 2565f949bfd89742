// Package localfile provides a credential provider that reads secret
// material from files on disk, such as a kubeconfig or a token file
// provisioned by the host. Paths resolve relative to a configured root
// so a binding can never escape it.
package localfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/conveyorcd/conveyor/credential"
)

// Provider implements credential.Provider over a filesystem root.
type Provider struct {
	fs   billy.Filesystem
	root string
}

// New creates a provider rooted at dir on the host filesystem.
func New(dir string) (*Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving credential root %q: %w", dir, err)
	}
	return &Provider{fs: osfs.New("/"), root: abs}, nil
}

// NewWithFS creates a provider over the given filesystem, rooted at
// root. Tests use this with memfs.
func NewWithFS(fsys billy.Filesystem, root string) *Provider {
	return &Provider{fs: fsys, root: root}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "file"
}

// HealthCheck verifies the root directory exists.
func (p *Provider) HealthCheck(ctx context.Context) error {
	info, err := p.fs.Stat(p.root)
	if err != nil {
		return fmt.Errorf("credential root %q: %w", p.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("credential root %q is not a directory", p.root)
	}
	return nil
}

// Resolve reads the file named by ref.Path, relative to the root.
// Versions are not supported; a non-empty ref.Version is an error.
func (p *Provider) Resolve(ctx context.Context, ref credential.Ref) (*credential.Secret, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("resolve cancelled: %w", ctx.Err())
	default:
	}

	if ref.Version != "" {
		return nil, fmt.Errorf("file provider does not support versions (got %q)", ref.Version)
	}
	path, err := p.resolvePath(ref.Path)
	if err != nil {
		return nil, err
	}

	value, err := util.ReadFile(p.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", credential.ErrSecretNotFound, ref.Path)
		}
		return nil, fmt.Errorf("reading %s: %w", ref.Path, err)
	}

	info, err := p.fs.Stat(path)
	created := time.Time{}
	if err == nil {
		created = info.ModTime()
	}
	return &credential.Secret{
		Value:     value,
		CreatedAt: created,
	}, nil
}

// resolvePath joins the reference path onto the root and rejects
// traversal outside it.
func (p *Provider) resolvePath(refPath string) (string, error) {
	if refPath == "" {
		return "", fmt.Errorf("file reference path cannot be empty")
	}
	joined := filepath.Clean(filepath.Join(p.root, refPath))
	if joined != p.root && !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("file reference %q escapes the credential root", refPath)
	}
	return joined, nil
}

// Close is a no-op; the provider holds no resources.
func (p *Provider) Close() error {
	return nil
}
