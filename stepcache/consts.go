package stepcache

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "stepcache"

	// DefaultCacheDirName is the directory, relative to a scope root, that holds cache files.
	DefaultCacheDirName = ".stepcache"

	// DefaultGlobalCacheFile is used when no test-file scope can be determined.
	DefaultGlobalCacheFile = "cache.json"

	DefaultGridSize  = 16
	DefaultTolerance = 0.10

	DefaultMaxAttempts = 3
)

var (
	DefaultConfigPath = filepath.Join(userConfigDir(), DefaultAppName)
)

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir
}
