// Package thunks contains pointers to functions that might be replaced in
// tests.
package thunks

import (
	"os"
	"runtime"
	"time"
)

// TimeNow is an alias for time.Now
var TimeNow func() time.Time = time.Now

// NumCPU is an alias for runtime.NumCPU
var NumCPU func() int = runtime.NumCPU

// LookupEnv is an alias for os.LookupEnv
var LookupEnv func(string) (string, bool) = os.LookupEnv

// SetUpTest replaces thunks with stable test versions. env backs LookupEnv.
func SetUpTest(env map[string]string) {
	TimeNow = func() time.Time {
		return time.Date(1992, 12, 31, 1, 2, 3, 4, time.UTC)
	}
	NumCPU = func() int { return 8 }
	LookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// TearDownTest restores the real implementations.
func TearDownTest() {
	TimeNow = time.Now
	NumCPU = runtime.NumCPU
	LookupEnv = os.LookupEnv
}
