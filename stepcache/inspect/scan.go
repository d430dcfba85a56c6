// Package inspect finds and summarizes step cache files in a source tree.
package inspect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"

	internal "github.com/ZanzyTHEbar/visual-stepcache/stepcache"
)

// Scan returns every cache file under root in lexical order. Directories
// matched by root/.gitignore are skipped, except cache directories, which are
// often ignored in projects that do not commit their caches.
func Scan(fs afero.Fs, root, dirName string) ([]string, error) {
	if dirName == "" {
		dirName = internal.DefaultCacheDirName
	}
	matcher := loadIgnore(fs, root)

	var files []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if info.IsDir() {
			switch {
			case rel == ".":
				return nil
			case info.Name() == ".git":
				return filepath.SkipDir
			case info.Name() != dirName && matcher != nil && matcher.MatchesPath(filepath.ToSlash(rel)+"/"):
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Base(filepath.Dir(path)) == dirName && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}

func loadIgnore(fs afero.Fs, root string) *ignore.GitIgnore {
	data, err := afero.ReadFile(fs, filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...)
}
