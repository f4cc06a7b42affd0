// Package flags provides support for wavesd CLI args
package flags
