package config

import (
	"errors"
	"io/fs"
	"os"
)

// overwriting fileSystem lets us use a mock filesystem for tests
var fileSystem fs.FS = osFS{}

type osFS struct{}

// osFS implements fs.FS without the fs.ValidPath restriction, so absolute
// paths work.
func (o osFS) Open(name string) (fs.File, error) {
	return os.Open(name)
}

func exists(path string) bool {
	_, err := fs.Stat(fileSystem, path)
	return !errors.Is(err, fs.ErrNotExist)
}
