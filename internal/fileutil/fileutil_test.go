package fileutil_test

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/alnah/go-pdfgate/internal/fileutil"
)

// ---------------------------------------------------------------------------
// TestValidateName - Storage key validation
// ---------------------------------------------------------------------------

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"uuid pdf", "3f1c2b7e-0d4a-4b8e-9a51-1c2d3e4f5a6b.pdf", nil},
		{"plain", "report", nil},
		{"dotted", "a.b.c", nil},
		{"empty", "", fileutil.ErrNameEmpty},
		{"forward slash", "../etc/passwd", fileutil.ErrNamePathTraversal},
		{"backslash", "..\\windows", fileutil.ErrNamePathTraversal},
		{"null byte", "a\x00.pdf", fileutil.ErrNamePathTraversal},
		{"dot", ".", fileutil.ErrNamePathTraversal},
		{"dot dot", "..", fileutil.ErrNamePathTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := fileutil.ValidateName(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateName(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// TestWriteAtomic - Temp file then rename
// ---------------------------------------------------------------------------

func TestWriteAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.pdf")

	if err := fileutil.WriteAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteAtomic() error: %v", err)
	}
	if err := fileutil.WriteAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("WriteAtomic() overwrite error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1 (temp file left behind)", len(entries))
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("mode = %v, want 0600", info.Mode().Perm())
		}
	}
}

func TestWriteAtomic_MissingDir(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "out.pdf")
	if err := fileutil.WriteAtomic(path, []byte("x"), 0o600); err == nil {
		t.Error("WriteAtomic() into missing directory should fail")
	}
}

// ---------------------------------------------------------------------------
// TestFileExists - File existence check
// ---------------------------------------------------------------------------

func TestFileExists(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()

	testFile := filepath.Join(tempDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("content"), 0o644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	testDir := filepath.Join(tempDir, "testdir")
	if err := os.Mkdir(testDir, 0o755); err != nil {
		t.Fatalf("failed to create test dir: %v", err)
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"existing file returns true", testFile, true},
		{"directory returns false", testDir, false},
		{"nonexistent path returns false", filepath.Join(tempDir, "nonexistent"), false},
		{"empty path returns false", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := fileutil.FileExists(tt.path); got != tt.want {
				t.Errorf("FileExists(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// TestIsFilePath - Config name vs path
// ---------------------------------------------------------------------------

func TestIsFilePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"pdfgate", false},
		{"prod.yaml", false},
		{"./pdfgate.yaml", true},
		{"/etc/pdfgate/prod.yaml", true},
		{"C:\\pdfgate\\prod.yaml", true},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := fileutil.IsFilePath(tt.input); got != tt.want {
				t.Errorf("IsFilePath(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// TestIsURL - URL detection
// ---------------------------------------------------------------------------

func TestIsURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"http://example.com", true},
		{"https://files.example.com/v1/files", true},
		{"/path/to/file", false},
		{"", false},
		{"ftp://example.com", false},
		{"HTTP://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := fileutil.IsURL(tt.input); got != tt.want {
				t.Errorf("IsURL(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
