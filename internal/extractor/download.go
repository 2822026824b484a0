package extractor

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/symserver/internal/utils"
)

// Download fetches one firmware artifact to a local file.
type Download struct {
	URL          string
	DestName     string
	ExpectedSize int64

	client *http.Client
}

// NewDownload creates a new downloader.
func NewDownload(insecure bool) *Download {
	return &Download{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: insecure},
				ForceAttemptHTTP2: true,
			},
		},
	}
}

// Do will download a url to a local file. It writes as it downloads into a
// temp file and only renames it into place after the full body arrived and
// the size checked out, so a partially written artifact is never visible
// under its final name.
func (d *Download) Do(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return errors.Wrap(err, "cannot create http request")
	}
	req.Header.Add("User-Agent", utils.RandomAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server return status: %s", resp.Status)
	}

	dest, err := os.Create(d.DestName + ".download")
	if err != nil {
		return fmt.Errorf("cannot create %s: %v", d.DestName+".download", err)
	}

	written, err := io.Copy(dest, resp.Body)
	if err != nil {
		dest.Close()
		os.Remove(d.DestName + ".download")
		return fmt.Errorf("failed to copy body reader data: %v", err)
	}

	dest.Sync()
	if err := dest.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %v", d.DestName+".download", err)
	}

	if d.ExpectedSize > 0 && written != d.ExpectedSize {
		os.Remove(d.DestName + ".download")
		return fmt.Errorf("bad download: got %d bytes, want %d", written, d.ExpectedSize)
	}

	if err := os.Rename(d.DestName+".download", d.DestName); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %v", d.DestName+".download", d.DestName, err)
	}

	log.WithFields(log.Fields{
		"file": d.DestName,
		"size": written,
	}).Debug("downloaded firmware artifact")

	return nil
}
