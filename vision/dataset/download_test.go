package dataset

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func tarGz(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMaybeDownloadAndExtract(t *testing.T) {
	record := make([]byte, cifarRecordBytes)
	archive := tarGz(t, map[string][]byte{
		CIFAR10BatchesDir + "/test_batch.bin":   record,
		CIFAR10BatchesDir + "/data_batch_1.bin": record,
	})

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	url := srv.URL + "/cifar-10-binary.tar.gz"
	var progress bytes.Buffer
	if err := MaybeDownloadAndExtract(context.Background(), dir, url, &progress); err != nil {
		t.Fatalf("MaybeDownloadAndExtract failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, CIFAR10BatchesDir, "test_batch.bin")); err != nil {
		t.Errorf("test batch not extracted: %v", err)
	}
	if !strings.Contains(progress.String(), "Successfully downloaded") {
		t.Errorf("unexpected progress output %q", progress.String())
	}

	// A second call finds the extracted data and does not download.
	if err := MaybeDownloadAndExtract(context.Background(), dir, url, nil); err != nil {
		t.Fatal(err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("Expected 1 request, got %d", n)
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	if err := MaybeDownloadAndExtract(context.Background(), dir, srv.URL+"/x.tar.gz", nil); err == nil {
		t.Fatal("Expected error for 404")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed download left files behind: %v", entries)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	if err := os.WriteFile(archive, tarGz(t, map[string][]byte{"../outside.bin": []byte("x")}), 0644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "data")
	if err := extractTarGz(archive, target); err == nil {
		t.Fatal("Expected error for entry escaping the target directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "outside.bin")); err == nil {
		t.Error("escaping entry was written")
	}
}
