package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cpeworks/cwmpd/internal/logger"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

// DefaultHeaderTimeout bounds connection setup and time to first response
// byte. The body copy itself is unbounded so large images survive slow
// links; cancellation still flows through the request context.
const DefaultHeaderTimeout = 30 * time.Second

// HTTPExecutorConfig configures the built-in HTTP executor.
type HTTPExecutorConfig struct {
	// DownloadDir receives downloaded files, named after the last URL
	// path segment. Created on demand.
	DownloadDir string

	// UploadSources maps an Upload request's FileType to the local file
	// to send. Matching is case-insensitive: the config loader folds map
	// keys to lowercase while FileType arrives mixed-case on the wire.
	// An unmapped file type fails the transfer.
	UploadSources map[string]string

	// HeaderTimeout overrides DefaultHeaderTimeout when positive.
	HeaderTimeout time.Duration
}

// HTTPExecutor fetches downloads with GET and sends uploads with PUT,
// authenticating with HTTP Basic when the request carries credentials.
type HTTPExecutor struct {
	downloadDir   string
	uploadSources map[string]string
	client        *http.Client
}

// NewHTTPExecutor builds the executor used when no custom Executor is
// wired in.
func NewHTTPExecutor(cfg HTTPExecutorConfig) *HTTPExecutor {
	timeout := cfg.HeaderTimeout
	if timeout <= 0 {
		timeout = DefaultHeaderTimeout
	}
	sources := make(map[string]string, len(cfg.UploadSources))
	for fileType, src := range cfg.UploadSources {
		sources[strings.ToLower(fileType)] = src
	}
	return &HTTPExecutor{
		downloadDir:   cfg.DownloadDir,
		uploadSources: sources,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
				TLSHandshakeTimeout:   timeout,
			},
		},
	}
}

// Execute dispatches on the transfer direction.
func (x *HTTPExecutor) Execute(ctx context.Context, entry Entry) error {
	if entry.Upload {
		return x.upload(ctx, entry)
	}
	return x.download(ctx, entry)
}

func (x *HTTPExecutor) download(ctx context.Context, entry Entry) error {
	u, err := checkURL(entry.URL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build download request: %v: %w", err, cwmp.Fault(cwmp.FaultDownloadFailure))
	}
	if entry.Username != "" {
		req.SetBasicAuth(entry.Username, entry.Password)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact file server: %v: %w", err, cwmp.Fault(cwmp.FaultServerUnreachable))
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode, cwmp.FaultDownloadFailure); err != nil {
		return err
	}

	if err := os.MkdirAll(x.downloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %v: %w", err, cwmp.Fault(cwmp.FaultDownloadFailure))
	}
	dest := filepath.Join(x.downloadDir, downloadName(u))
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %v: %w", dest, err, cwmp.Fault(cwmp.FaultDownloadFailure))
	}

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("copy to %s: %v: %w", dest, err, cwmp.Fault(cwmp.FaultDownloadIncomplete))
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("close %s: %v: %w", dest, err, cwmp.Fault(cwmp.FaultDownloadIncomplete))
	}

	logger.Info("Downloaded file",
		"url", entry.URL,
		"path", dest,
		"bytes", written,
	)
	return nil
}

func (x *HTTPExecutor) upload(ctx context.Context, entry Entry) error {
	if _, err := checkURL(entry.URL); err != nil {
		return err
	}

	src, ok := x.uploadSources[strings.ToLower(entry.FileType)]
	if !ok {
		return fmt.Errorf("no upload source for file type %q: %w", entry.FileType, cwmp.Fault(cwmp.FaultUploadFailure))
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %v: %w", src, err, cwmp.Fault(cwmp.FaultUploadFailure))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %v: %w", src, err, cwmp.Fault(cwmp.FaultUploadFailure))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, entry.URL, f)
	if err != nil {
		return fmt.Errorf("build upload request: %v: %w", err, cwmp.Fault(cwmp.FaultUploadFailure))
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	if entry.Username != "" {
		req.SetBasicAuth(entry.Username, entry.Password)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact file server: %v: %w", err, cwmp.Fault(cwmp.FaultServerUnreachable))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if err := checkStatus(resp.StatusCode, cwmp.FaultUploadFailure); err != nil {
		return err
	}

	logger.Info("Uploaded file",
		"url", entry.URL,
		"path", src,
		"bytes", info.Size(),
	)
	return nil
}

// checkURL accepts http and https targets only.
func checkURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported transfer url %q: %w", raw, cwmp.Fault(cwmp.FaultTransferBadProtocol))
	}
	return u, nil
}

// checkStatus maps an HTTP response status to a transfer fault. generic
// is the direction-specific failure code for statuses without a more
// precise mapping.
func checkStatus(status int, generic cwmp.FaultCode) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("file server returned status %d: %w", status, cwmp.Fault(cwmp.FaultTransferAuthFailure))
	case status == http.StatusNotFound:
		return fmt.Errorf("file server returned status %d: %w", status, cwmp.Fault(cwmp.FaultFileAccessFailure))
	case status < 200 || status > 299:
		return fmt.Errorf("file server returned status %d: %w", status, cwmp.Fault(generic))
	}
	return nil
}

// downloadName derives the local file name from the URL path.
func downloadName(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == ".." || base == "" {
		return "download"
	}
	return base
}
