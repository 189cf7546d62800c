package transfer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpeworks/cwmpd/pkg/config"
	"github.com/cpeworks/cwmpd/pkg/cwmp"
)

type fileServerCapture struct {
	mu     sync.Mutex
	method string
	user   string
	pass   string
	hasAut bool
	body   []byte
}

func (c *fileServerCapture) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = r.Method
	c.user, c.pass, c.hasAut = r.BasicAuth()
	c.body = body
}

func TestHTTPExecutorDownload(t *testing.T) {
	t.Parallel()

	t.Run("saves file named after url path", func(t *testing.T) {
		t.Parallel()

		capture := &fileServerCapture{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capture.record(r)
			w.Write([]byte("firmware-bytes"))
		}))
		defer srv.Close()

		dir := t.TempDir()
		x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: dir})

		err := x.Execute(context.Background(), Entry{
			URL:      srv.URL + "/images/fw-2.1.0.bin",
			Username: "acs-user",
			Password: "acs-pass",
		})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, "fw-2.1.0.bin"))
		require.NoError(t, err)
		assert.Equal(t, "firmware-bytes", string(data))

		assert.Equal(t, http.MethodGet, capture.method)
		assert.True(t, capture.hasAut)
		assert.Equal(t, "acs-user", capture.user)
		assert.Equal(t, "acs-pass", capture.pass)
	})

	t.Run("bare path falls back to default name", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("payload"))
		}))
		defer srv.Close()

		dir := t.TempDir()
		x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: dir})

		require.NoError(t, x.Execute(context.Background(), Entry{URL: srv.URL + "/"}))
		_, err := os.Stat(filepath.Join(dir, "download"))
		require.NoError(t, err)
	})

	t.Run("omits authorization without credentials", func(t *testing.T) {
		t.Parallel()

		capture := &fileServerCapture{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capture.record(r)
			w.Write([]byte("x"))
		}))
		defer srv.Close()

		x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: t.TempDir()})
		require.NoError(t, x.Execute(context.Background(), Entry{URL: srv.URL + "/f"}))
		assert.False(t, capture.hasAut)
	})

	t.Run("status faults", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			status int
			want   cwmp.FaultCode
		}{
			{http.StatusUnauthorized, cwmp.FaultTransferAuthFailure},
			{http.StatusForbidden, cwmp.FaultTransferAuthFailure},
			{http.StatusNotFound, cwmp.FaultFileAccessFailure},
			{http.StatusInternalServerError, cwmp.FaultDownloadFailure},
		}
		for _, tc := range cases {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: t.TempDir()})
			err := x.Execute(context.Background(), Entry{URL: srv.URL + "/f"})
			assert.Equal(t, tc.want, cwmp.FaultOf(err), "status %d", tc.status)
			srv.Close()
		}
	})

	t.Run("unreachable server maps to 9015", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		target := srv.URL
		srv.Close()

		x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: t.TempDir()})
		err := x.Execute(context.Background(), Entry{URL: target + "/f"})
		assert.Equal(t, cwmp.FaultServerUnreachable, cwmp.FaultOf(err))
	})

	t.Run("non http scheme maps to 9013", func(t *testing.T) {
		t.Parallel()

		x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: t.TempDir()})
		err := x.Execute(context.Background(), Entry{URL: "ftp://files.example.com/fw.bin"})
		assert.Equal(t, cwmp.FaultTransferBadProtocol, cwmp.FaultOf(err))
	})

	t.Run("unwritable download dir maps to 9010", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("x"))
		}))
		defer srv.Close()

		// A file where the directory should be makes MkdirAll fail.
		blocker := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

		x := NewHTTPExecutor(HTTPExecutorConfig{DownloadDir: blocker})
		err := x.Execute(context.Background(), Entry{URL: srv.URL + "/f"})
		assert.Equal(t, cwmp.FaultDownloadFailure, cwmp.FaultOf(err))
	})
}

func TestHTTPExecutorUpload(t *testing.T) {
	t.Parallel()

	const fileType = "1 Vendor Configuration File"

	writeSource := func(t *testing.T, content string) string {
		t.Helper()
		src := filepath.Join(t.TempDir(), "device.conf")
		require.NoError(t, os.WriteFile(src, []byte(content), 0o644))
		return src
	}

	t.Run("puts mapped source file", func(t *testing.T) {
		t.Parallel()

		capture := &fileServerCapture{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capture.record(r)
		}))
		defer srv.Close()

		src := writeSource(t, "exported-config")
		x := NewHTTPExecutor(HTTPExecutorConfig{
			UploadSources: map[string]string{fileType: src},
		})

		err := x.Execute(context.Background(), Entry{
			Upload:   true,
			FileType: fileType,
			URL:      srv.URL + "/uploads/device.conf",
			Username: "up-user",
			Password: "up-pass",
		})
		require.NoError(t, err)

		assert.Equal(t, http.MethodPut, capture.method)
		assert.Equal(t, "exported-config", string(capture.body))
		assert.True(t, capture.hasAut)
		assert.Equal(t, "up-user", capture.user)
		assert.Equal(t, "up-pass", capture.pass)
	})

	t.Run("matches folded source keys case-insensitively", func(t *testing.T) {
		t.Parallel()

		capture := &fileServerCapture{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capture.record(r)
		}))
		defer srv.Close()

		// The config loader folds map keys to lowercase; the wire
		// FileType stays mixed-case.
		src := writeSource(t, "exported-config")
		x := NewHTTPExecutor(HTTPExecutorConfig{
			UploadSources: map[string]string{"1 vendor configuration file": src},
		})

		err := x.Execute(context.Background(), Entry{
			Upload:   true,
			FileType: fileType,
			URL:      srv.URL + "/uploads/device.conf",
		})
		require.NoError(t, err)
		assert.Equal(t, "exported-config", string(capture.body))
	})

	t.Run("sources loaded from config keep working", func(t *testing.T) {
		t.Parallel()

		capture := &fileServerCapture{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capture.record(r)
		}))
		defer srv.Close()

		src := writeSource(t, "loaded-config")
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(cfgPath, []byte(`
acs:
  url: "http://acs.example.com:7547/acs"
local:
  port: 7547
transfer:
  upload_sources:
    "1 Vendor Configuration File": "`+src+`"
`), 0o600))

		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)

		x := NewHTTPExecutor(HTTPExecutorConfig{
			UploadSources: cfg.Transfer.UploadSources,
		})
		err = x.Execute(context.Background(), Entry{
			Upload:   true,
			FileType: fileType,
			URL:      srv.URL + "/uploads/device.conf",
		})
		require.NoError(t, err)
		assert.Equal(t, "loaded-config", string(capture.body))
	})

	t.Run("unmapped file type maps to 9011", func(t *testing.T) {
		t.Parallel()

		x := NewHTTPExecutor(HTTPExecutorConfig{})
		err := x.Execute(context.Background(), Entry{
			Upload:   true,
			FileType: "2 Vendor Log File",
			URL:      "http://files.example.com/up",
		})
		assert.Equal(t, cwmp.FaultUploadFailure, cwmp.FaultOf(err))
	})

	t.Run("missing source file maps to 9011", func(t *testing.T) {
		t.Parallel()

		x := NewHTTPExecutor(HTTPExecutorConfig{
			UploadSources: map[string]string{fileType: filepath.Join(t.TempDir(), "gone.conf")},
		})
		err := x.Execute(context.Background(), Entry{
			Upload:   true,
			FileType: fileType,
			URL:      "http://files.example.com/up",
		})
		assert.Equal(t, cwmp.FaultUploadFailure, cwmp.FaultOf(err))
	})

	t.Run("status faults", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			status int
			want   cwmp.FaultCode
		}{
			{http.StatusForbidden, cwmp.FaultTransferAuthFailure},
			{http.StatusNotFound, cwmp.FaultFileAccessFailure},
			{http.StatusBadGateway, cwmp.FaultUploadFailure},
		}
		for _, tc := range cases {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			src := writeSource(t, "config")
			x := NewHTTPExecutor(HTTPExecutorConfig{
				UploadSources: map[string]string{fileType: src},
			})
			err := x.Execute(context.Background(), Entry{
				Upload:   true,
				FileType: fileType,
				URL:      srv.URL + "/up",
			})
			assert.Equal(t, tc.want, cwmp.FaultOf(err), "status %d", tc.status)
			srv.Close()
		}
	})
}
