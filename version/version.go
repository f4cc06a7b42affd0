// Package version reads the application version marker: a JSON file with a
// top-level "version" field, such as package.json.
package version

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// ErrInvalid is returned when the file is not JSON or has no version.
var ErrInvalid = errors.New("invalid version file")

type marker struct {
	Version string `json:"version"`
}

// Read returns the version recorded in the file at path. I/O failures are
// returned wrapped; parse failures wrap ErrInvalid.
func Read(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	return Parse(b)
}

// Parse extracts the version from a JSON document.
func Parse(b []byte) (string, error) {
	var m marker
	if err := json.Unmarshal(b, &m); err != nil {
		return "", errors.Wrapf(ErrInvalid, "%s", err)
	}
	if m.Version == "" {
		return "", errors.Wrap(ErrInvalid, "missing version field")
	}
	return m.Version, nil
}
