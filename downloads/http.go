package downloads

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultRetryAttempts is the number of times to retry a failed download.
	DefaultRetryAttempts = 3
	// DefaultBufferSize is the buffer size for file downloads.
	DefaultBufferSize = 32 * 1024
)

// RetryDelay is the pause between attempts. Tests shorten it.
var RetryDelay = 5 * time.Second

// DownloadFile downloads url to destPath, resuming a partial file with an
// HTTP Range request when one exists.
func DownloadFile(ctx context.Context, destPath string, url string, progressCb ByteProgressCallback) error {
	var existingSize int64
	if stat, err := os.Stat(destPath); err == nil {
		existingSize = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	// no timeout: model files are hundreds of megabytes
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		existingSize = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// the partial file is already complete
		if existingSize > 0 {
			if progressCb != nil {
				progressCb(existingSize, existingSize)
			}
			return nil
		}
		return fmt.Errorf("bad status: %s", resp.Status)
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	totalSize := resp.ContentLength
	if totalSize > 0 && existingSize > 0 {
		totalSize += existingSize
	}

	var out *os.File
	if existingSize > 0 {
		out, err = os.OpenFile(destPath, os.O_APPEND|os.O_WRONLY, 0644)
	} else {
		out, err = os.Create(destPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	downloaded := existingSize
	buffer := make([]byte, DefaultBufferSize)
	lastReport := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				return fmt.Errorf("failed to write to file: %w", writeErr)
			}
			downloaded += int64(n)
			if progressCb != nil && time.Since(lastReport) >= 100*time.Millisecond {
				progressCb(downloaded, totalSize)
				lastReport = time.Now()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
	}
	if progressCb != nil {
		progressCb(downloaded, totalSize)
	}
	return nil
}

// DownloadWithRetry retries DownloadFile, resuming from whatever the failed
// attempt left on disk.
func DownloadWithRetry(ctx context.Context, destPath string, url string, progressCb ByteProgressCallback) error {
	var lastErr error
	for attempt := 1; attempt <= DefaultRetryAttempts; attempt++ {
		err := DownloadFile(ctx, destPath, url, progressCb)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if attempt < DefaultRetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RetryDelay):
			}
		}
	}
	return fmt.Errorf("download failed after %d attempts: %w", DefaultRetryAttempts, lastErr)
}

// FormatBytes formats bytes as human-readable size.
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatSpeed formats bytes per second as human-readable speed.
func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}
