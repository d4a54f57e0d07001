package destination

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dicomgw/gateway/internal/entity"
)

// ArchiveAPIClient implements Client for §3's archive-api destination kind:
// probing is a cheap authenticated GET, sending packages the study as a
// single ZIP with an optional project query parameter. Subject and session
// prefixes are not sent.
type ArchiveAPIClient struct {
	cfg        entity.ArchiveAPIConfig
	httpClient *http.Client
}

// NewArchiveAPIClient constructs an ArchiveAPIClient from its config.
func NewArchiveAPIClient(cfg entity.ArchiveAPIConfig) *ArchiveAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ArchiveAPIClient{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

func (c *ArchiveAPIClient) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400, nil
}

// Send zips every file under dir and POSTs it to the archive API, adding
// attrs["ProjectID"] as the project query parameter when it is set.
// attrs["SubjectPrefix"] and attrs["SessionPrefix"] are not sent.
func (c *ArchiveAPIClient) Send(ctx context.Context, dir string, attrs map[string]string) (int, error) {
	body, count, err := zipDirectory(dir)
	if err != nil {
		return 0, fmt.Errorf("zipping %s for archive-api upload: %w", dir, err)
	}

	url := c.cfg.BaseURL + "/studies"
	if project, ok := attrs["ProjectID"]; ok && project != "" {
		url += "?project=" + project
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/zip")
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, entity.NewGatewayError(entity.KindDeliveryFailure, "archive-api upload failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, entity.NewGatewayError(entity.KindDeliveryFailure, fmt.Sprintf("archive-api returned status %d", resp.StatusCode), nil)
	}

	return count, nil
}

func (c *ArchiveAPIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *ArchiveAPIClient) authenticate(req *http.Request) {
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

func zipDirectory(dir string) ([]byte, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addFileToZip(zw, filepath.Join(dir, e.Name()), e.Name()); err != nil {
			zw.Close()
			return nil, 0, err
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

func addFileToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
