package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kjannette/trahn-pipeline/internal/httputil"
	"github.com/kjannette/trahn-pipeline/internal/logging"
	"github.com/kjannette/trahn-pipeline/internal/models"
)

// Store publishes fetched bars as CSV files and pulls them back into a
// working directory for loading.
type Store struct {
	exportDir  string
	workDir    string
	httpClient *http.Client
	retry      httputil.RetryConfig
	logger     *slog.Logger
}

func NewStore(exportDir, workDir string, logger *slog.Logger) *Store {
	logger = logging.OrDefault(logger).With("component", "artifact")
	return &Store{
		exportDir:  exportDir,
		workDir:    workDir,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			Logger:      logger,
		},
		logger: logger,
	}
}

func FileName(symbol, ds string) string {
	return strings.ToLower(symbol) + "_" + ds + ".csv"
}

// Export writes bars to <exportDir>/<symbol>_<ds>.csv and returns its file://
// URI. Readers never see a partially written file.
func (s *Store) Export(ds, symbol string, bars []models.Bar) (string, error) {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	dst := filepath.Join(s.exportDir, FileName(symbol, ds))
	if err := writeAtomic(dst, func(w io.Writer) error { return WriteCSV(w, bars) }); err != nil {
		return "", fmt.Errorf("export %s: %w", dst, err)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		return "", err
	}
	uri := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	s.logger.Info("artifact exported", "uri", uri, "bars", len(bars))
	return uri, nil
}

// Download copies the artifact at uri into the work dir and returns the local
// path. Supported: file:// URIs, bare paths and http(s) URLs.
func (s *Store) Download(ctx context.Context, uri string) (string, error) {
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}

	var dst string
	switch u.Scheme {
	case "", "file":
		src := uri
		if u.Scheme == "file" {
			src = filepath.FromSlash(u.Path)
		}
		dst = filepath.Join(s.workDir, filepath.Base(src))
		err = s.copyFile(src, dst)
	case "http", "https":
		dst = filepath.Join(s.workDir, path.Base(u.Path))
		err = s.fetchHTTP(ctx, uri, dst)
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return "", fmt.Errorf("download %s: %w", uri, err)
	}

	s.logger.Info("artifact downloaded", "uri", uri, "path", dst)
	return dst, nil
}

// Open parses the CSV at a local path.
func (s *Store) Open(localPath string) ([]models.Bar, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bars, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(localPath), err)
	}
	return bars, nil
}

func (s *Store) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if same, _ := samePath(src, dst); same {
		return nil
	}
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func (s *Store) fetchHTTP(ctx context.Context, uri, dst string) error {
	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
}

// writeAtomic writes to a temp file in the target dir, then renames it.
func writeAtomic(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}
