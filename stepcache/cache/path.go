package cache

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
)

const maxStackDepth = 64

// ResolvePath picks the backing file for a store.
//
// An explicit path always wins. Otherwise the nearest _test.go file on the
// call stack scopes the cache to <dir>/<dirName>/<base>.json, one file per
// test file. Without a test file the cache is global to the working
// directory: <cwd>/<dirName>/cache.json.
func ResolvePath(explicit, dirName string) string {
	if explicit != "" {
		return explicit
	}
	if dirName == "" {
		dirName = internal.DefaultCacheDirName
	}

	if testFile, ok := callingTestFile(); ok {
		base := strings.TrimSuffix(filepath.Base(testFile), "_test.go")
		return filepath.Join(filepath.Dir(testFile), dirName, base+".json")
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return filepath.Join(cwd, dirName, internal.DefaultGlobalCacheFile)
}

func callingTestFile() (string, bool) {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if strings.HasSuffix(frame.File, "_test.go") {
			return frame.File, true
		}
		if !more {
			return "", false
		}
	}
}
