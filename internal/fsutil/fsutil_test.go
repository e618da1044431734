package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileScoped_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	b, err := ReadFileScoped(p)
	if err != nil {
		t.Fatalf("ReadFileScoped error: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}

func TestReadFileScoped_RejectsInvalidPath(t *testing.T) {
	for _, p := range []string{"", ".", string(filepath.Separator)} {
		if _, err := ReadFileScoped(p); err == nil {
			t.Fatalf("expected error for %q", p)
		}
	}
}

func TestReadFileScoped_Errors(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0o750); err != nil {
		t.Fatal(err)
	}

	for name, p := range map[string]string{
		"missing file": filepath.Join(dir, "nccl_trace_rank_9"),
		"missing dir":  filepath.Join(dir, "nodir", "nccl_trace_rank_0"),
		"directory":    filepath.Join(dir, "subdir"),
	} {
		if _, err := ReadFileScoped(p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReadFileScoped_UnnormalizedPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("norm"), 0o600); err != nil {
		t.Fatal(err)
	}

	data, err := ReadFileScoped(filepath.Join(dir, ".", "file.txt"))
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(data) != "norm" {
		t.Errorf("expected %q, got %q", "norm", string(data))
	}
}

func TestReadFileLimited(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "dump")
	if err := os.WriteFile(p, make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}

	if data, err := ReadFileLimited(p, 100); err != nil || len(data) != 100 {
		t.Errorf("at limit: len=%d err=%v", len(data), err)
	}
	if _, err := ReadFileLimited(p, 99); !errors.Is(err, ErrTooLarge) {
		t.Errorf("over limit: err = %v, want ErrTooLarge", err)
	}
}

func TestListRankFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"nccl_trace_rank_10",
		"nccl_trace_rank_2",
		"nccl_trace_rank_0",
		"nccl_trace_rank_0.pipe",
		".nccl_trace_rank_1123456",
		"nccl_trace_rank_03",
		"nccl_trace_rank_x",
		"other_5",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nccl_trace_rank_7"), 0o750); err != nil {
		t.Fatal(err)
	}

	files, err := ListRankFiles(filepath.Join(dir, "nccl_trace_rank_"))
	if err != nil {
		t.Fatalf("ListRankFiles: %v", err)
	}
	want := []int{0, 2, 10}
	if len(files) != len(want) {
		t.Fatalf("got %+v, want ranks %v", files, want)
	}
	for i, f := range files {
		if f.Rank != want[i] {
			t.Errorf("files[%d].Rank = %d, want %d", i, f.Rank, want[i])
		}
		if filepath.Dir(f.Path) != dir {
			t.Errorf("files[%d].Path = %q", i, f.Path)
		}
	}
}

func TestListRankFiles_DirectoryPrefix(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "4"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	files, err := ListRankFiles(dir + string(filepath.Separator))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Rank != 4 {
		t.Errorf("got %+v", files)
	}
}

func TestListRankFiles_Errors(t *testing.T) {
	if _, err := ListRankFiles(""); err == nil {
		t.Error("expected error for empty prefix")
	}
	if _, err := ListRankFiles(filepath.Join(t.TempDir(), "missing", "rank_")); err == nil {
		t.Error("expected error for missing directory")
	}
}
