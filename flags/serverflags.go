package flags

import (
	"errors"
	"flag"
	"fmt"

	"waves.computer/waves/config"
)

// ErrExcessArgs is called when unparsed arguments remain
var ErrExcessArgs = errors.New("excess arguments provided")

// ServerFlags holds CLI args for wavesd.
type ServerFlags struct {
	ConfigPath string
	Verbose    bool
}

// ParseServerArgs defines and parses the flags from the cmd line for wavesd.
// args includes the program name.
func ParseServerArgs(args []string) (*ServerFlags, error) {
	f := &ServerFlags{}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	defineServerFlags(fs, f)

	err := fs.Parse(args[1:])
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 { // there were unparsed args
		return nil, ErrExcessArgs
	}
	return f, nil
}

func defineServerFlags(fs *flag.FlagSet, f *ServerFlags) {
	fs.StringVar(&f.ConfigPath, "C", "", "path to server config file")
	fs.BoolVar(&f.Verbose, "v", false, "log at debug level regardless of environment")
}

// LoadServerConfigFromFlags follows the configpath provided in flags (or default)
func LoadServerConfigFromFlags(f *ServerFlags) (*config.ServerConfig, error) {
	sc, err := config.GetServer(f.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sc, nil
}
