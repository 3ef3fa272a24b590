package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"go-civitai-models/internal/models"

	"github.com/zeebo/blake3"
)

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"Zero bytes", 0, "0B"},
		{"Negative", -5, "0B"},
		{"Bytes", 500, "500.00B"},
		{"Kilobytes", 1024, "1.00KB"},
		{"Kilobytes fractional", 1536, "1.50KB"},
		{"Megabytes", 1024 * 1024, "1.00MB"},
		{"Gigabytes", 1024 * 1024 * 1024, "1.00GB"},
		{"Large Terabytes", 1536 * 1024 * 1024 * 1024, "1.50TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.want {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0 B/s"},
		{-1, "0.0 B/s"},
		{512, "512.0 B/s"},
		{1536, "1.5 KB/s"},
		{3.2 * 1024 * 1024, "3.2 MB/s"},
		{2 * 1024 * 1024 * 1024, "2.0 GB/s"},
		{5 * 1024 * 1024 * 1024 * 1024 * 1024, "5120.0 TB/s"},
	}
	for _, tt := range tests {
		if got := FormatSpeed(tt.in); got != tt.want {
			t.Errorf("FormatSpeed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		name      string
		remaining int64
		speed     float64
		want      string
	}{
		{"stalled", 100, 0, "∞"},
		{"seconds", 42, 1, "42s"},
		{"minutes", 17 * 60, 1, "17m"},
		{"hours", 2*3600 + 5*60 + 30, 1, "2h 5m"},
		{"done", 0, 100, "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatETA(tt.remaining, tt.speed); got != tt.want {
				t.Errorf("FormatETA(%d, %v) = %q, want %q", tt.remaining, tt.speed, got, tt.want)
			}
		})
	}
}

func TestCleanFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"model.safetensors", "model.safetensors"},
		{"my   cool\tmodel.pt", "my cool model.pt"},
		{"  padded.ckpt  ", "padded.ckpt"},
		{"a/b.safetensors", "ab.safetensors"},
	}
	if runtime.GOOS == "windows" {
		tests = append(tests, struct{ in, want string }{`bad:na*me?.pt`, "badname.pt"})
	}
	for _, tt := range tests {
		if got := CleanFilename(tt.in); got != tt.want {
			t.Errorf("CleanFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComputeDigestsAndCheckHash(t *testing.T) {
	tempDir := t.TempDir()
	testContent := []byte("this is test content for hashing")

	shaSum := sha256.Sum256(testContent)
	expectedSHA256 := hex.EncodeToString(shaSum[:])
	b3Sum := blake3.Sum256(testContent)
	expectedBlake3 := strings.ToUpper(hex.EncodeToString(b3Sum[:]))
	expectedCRC32 := fmt.Sprintf("%08x", crc32.ChecksumIEEE(testContent))

	testFilePath := filepath.Join(tempDir, "test_hash_file.txt")
	if err := os.WriteFile(testFilePath, testContent, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	d, err := ComputeDigests(testFilePath)
	if err != nil {
		t.Fatalf("ComputeDigests: %v", err)
	}
	if d.SHA256 != strings.ToUpper(expectedSHA256) {
		t.Errorf("SHA256 = %s, want uppercase %s", d.SHA256, expectedSHA256)
	}
	if d.BLAKE3 != expectedBlake3 {
		t.Errorf("BLAKE3 = %s, want %s", d.BLAKE3, expectedBlake3)
	}

	tests := []struct {
		name       string
		filepath   string
		hashes     models.Hashes
		wantResult bool
	}{
		{"No file exists", filepath.Join(tempDir, "nonexistent_file.txt"), models.Hashes{SHA256: expectedSHA256}, false},
		{"SHA256 match (lowercase api)", testFilePath, models.Hashes{SHA256: expectedSHA256}, true},
		{"BLAKE3 match", testFilePath, models.Hashes{BLAKE3: expectedBlake3}, true},
		{"CRC32 match (lowercase api)", testFilePath, models.Hashes{CRC32: expectedCRC32}, true},
		{"SHA256 wins over BLAKE3", testFilePath, models.Hashes{SHA256: "bad", BLAKE3: expectedBlake3}, false},
		{"All mismatch", testFilePath, models.Hashes{BLAKE3: "incorrect1", CRC32: "incorrect2"}, false},
		{"No hashes provided", testFilePath, models.Hashes{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotResult := CheckHash(tt.filepath, tt.hashes)
			if gotResult != tt.wantResult {
				t.Errorf("CheckHash(%q, %+v) = %v, want %v", tt.filepath, tt.hashes, gotResult, tt.wantResult)
			}
		})
	}

	if algorithm, ok := d.Verify(models.Hashes{}); algorithm != "" || !ok {
		t.Errorf("Verify with no hashes = (%q, %v), want (\"\", true)", algorithm, ok)
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	baseTempDir := t.TempDir()
	preExistingFile := filepath.Join(baseTempDir, "existing_file.txt")
	if err := os.WriteFile(preExistingFile, nil, 0644); err != nil {
		t.Fatalf("Failed to pre-create file %s: %v", preExistingFile, err)
	}

	tests := []struct {
		name      string
		dirToMake string
		wantErr   bool
	}{
		{"Create simple directory", "new_dir", false},
		{"Create nested directory", filepath.Join("nested", "dir"), false},
		{"Path is a file", "existing_file.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			full := filepath.Join(baseTempDir, tt.dirToMake)
			err := CheckAndMakeDir(full)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckAndMakeDir(%q) error = %v, wantErr %v", full, err, tt.wantErr)
			}
			if !tt.wantErr {
				info, statErr := os.Stat(full)
				if statErr != nil || !info.IsDir() {
					t.Errorf("CheckAndMakeDir(%q) did not create a directory", full)
				}
			}
		})
	}
}
