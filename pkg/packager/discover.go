package packager

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// filePair is a discovered (virtual_path, physical_path) pair, per spec
// §4.C step 1.
type filePair struct {
	VirtualPath  string
	PhysicalPath string
	Size         int64
}

var vcsDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
}

// discover walks inputs (files or directories) and returns the flat list
// of (virtual_path, physical_path) pairs to package, applying the default
// dotfile/VCS exclusions plus any caller-supplied glob patterns.
func discover(inputs []string, exclude []string) ([]filePair, error) {
	var pairs []filePair

	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("packager: stat input %s: %w", input, err)
		}

		if !info.IsDir() {
			base := filepath.Base(input)
			if excluded(base, base, exclude) {
				continue
			}

			pairs = append(pairs, filePair{VirtualPath: base, PhysicalPath: input, Size: info.Size()})

			continue
		}

		err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			rel, relErr := filepath.Rel(input, path)
			if relErr != nil {
				return relErr
			}

			if d.IsDir() {
				if rel != "." && (vcsDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
					return filepath.SkipDir
				}

				return nil
			}

			if excluded(rel, d.Name(), exclude) {
				return nil
			}

			fi, ferr := d.Info()
			if ferr != nil {
				return ferr
			}

			pairs = append(pairs, filePair{
				VirtualPath:  filepath.ToSlash(rel),
				PhysicalPath: path,
				Size:         fi.Size(),
			})

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("packager: discovering %s: %w", input, err)
		}
	}

	return pairs, nil
}

// excluded reports whether rel or base matches a dotfile convention or any
// of the caller-supplied glob patterns.
func excluded(rel, base string, patterns []string) bool {
	if strings.HasPrefix(base, ".") {
		return true
	}

	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}

		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}

	return false
}
