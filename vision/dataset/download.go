package dataset

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// MaybeDownloadAndExtract fetches the CIFAR-10 archive from url into dir and
// extracts it, unless dir already holds the extracted batches. Progress is
// written to progress at most once per second; a nil progress is silent.
func MaybeDownloadAndExtract(ctx context.Context, dir, url string, progress io.Writer) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	marker := filepath.Join(dir, CIFAR10BatchesDir, "test_batch.bin")
	if _, err := os.Stat(marker); err == nil {
		klog.V(1).Infof("CIFAR-10 already present in %s", dir)
		return nil
	}

	archive := filepath.Join(dir, path.Base(url))
	if _, err := os.Stat(archive); err != nil {
		if err := download(ctx, url, archive, progress); err != nil {
			return err
		}
	}
	return extractTarGz(archive, dir)
}

func download(ctx context.Context, url, dest string, progress io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	pw := &progressWriter{
		out:   progress,
		name:  filepath.Base(dest),
		total: resp.ContentLength,
		every: rate.Sometimes{Interval: time.Second},
	}
	n, err := io.Copy(tmp, io.TeeReader(resp.Body, pw))
	if err != nil {
		tmp.Close()
		return fmt.Errorf("download interrupted: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to publish download: %w", err)
	}
	if progress != nil {
		fmt.Fprintf(progress, "\nSuccessfully downloaded %s %d bytes.\n", filepath.Base(dest), n)
	}
	return nil
}

type progressWriter struct {
	out   io.Writer
	name  string
	total int64
	done  int64
	every rate.Sometimes
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.out != nil {
		p.every.Do(func() {
			if p.total > 0 {
				fmt.Fprintf(p.out, "\r>> Downloading %s %.1f%%", p.name, float64(p.done)/float64(p.total)*100)
			} else {
				fmt.Fprintf(p.out, "\r>> Downloading %s %d bytes", p.name, p.done)
			}
		})
	}
	return len(b), nil
}

// extractTarGz unpacks regular files and directories from archive into dir.
// Entries that would land outside dir are rejected.
func extractTarGz(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, dir)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			klog.V(2).Infof("Skipping archive entry %s (type %c)", hdr.Name, hdr.Typeflag)
		}
	}
}
