package config

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	cerrors "github.com/conveyorcd/conveyor/errors"
)

// Load reads and parses a pipeline configuration from the filesystem.
func Load(fsys billy.Filesystem, path string) (*Config, error) {
	data, err := util.ReadFile(fsys, path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("reading pipeline configuration %s", path))
	}
	return Parse(data)
}

// LoadFile reads a pipeline configuration from the OS filesystem.
func LoadFile(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			fmt.Sprintf("resolving configuration path %s", path))
	}
	return Load(osfs.New("/"), abs)
}
