// Package fsutil reads per-rank dump files written by the file sink.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// MaxDumpBytes bounds how much of a dump file is read.
const MaxDumpBytes = 256 << 20

// ErrTooLarge is returned when a file exceeds the read limit.
var ErrTooLarge = errors.New("file exceeds read limit")

// ReadFileScoped reads a file by opening a root at the file's directory.
// This scopes access to the intended directory and avoids path traversal.
func ReadFileScoped(path string) ([]byte, error) {
	return ReadFileLimited(path, MaxDumpBytes)
}

// ReadFileLimited is ReadFileScoped with an explicit byte limit.
func ReadFileLimited(path string, limit int64) ([]byte, error) {
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	if path == "" || base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file path: %q", path)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	file, err := root.Open(base)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w (%d bytes)", path, ErrTooLarge, limit)
	}
	return data, nil
}

// RankFile is one dump file named <prefix><rank>.
type RankFile struct {
	Rank int
	Path string
}

// ListRankFiles returns the dump files for prefix ordered by rank. Names
// whose suffix is not a rank, such as trigger files or pending temporary
// files, are skipped.
func ListRankFiles(prefix string) ([]RankFile, error) {
	if prefix == "" {
		return nil, fmt.Errorf("invalid dump prefix: %q", prefix)
	}
	dir := filepath.Dir(prefix)
	stem := filepath.Base(prefix)
	if strings.HasSuffix(prefix, string(filepath.Separator)) {
		dir, stem = filepath.Clean(prefix), ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []RankFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), stem) {
			continue
		}
		suffix := strings.TrimPrefix(e.Name(), stem)
		rank, err := strconv.Atoi(suffix)
		if err != nil || rank < 0 || strconv.Itoa(rank) != suffix {
			continue
		}
		files = append(files, RankFile{Rank: rank, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Rank < files[j].Rank })
	return files, nil
}
