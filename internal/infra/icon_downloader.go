package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pricebar/internal/domain"

	"github.com/disintegration/imaging"
)

// DefaultIconSize fits the menu-bar title.
const DefaultIconSize = 18

// IconDownloader handles downloading and caching symbol icons
type IconDownloader struct {
	dir     string
	baseURL string
	size    int
	client  *http.Client
	logger  *slog.Logger
}

// NewIconDownloader creates the icon directory and an HTTP client for baseURL.
func NewIconDownloader(dir, baseURL string, size int) (*IconDownloader, error) {
	if dir == "" {
		return nil, fmt.Errorf("icon directory is required")
	}
	if size <= 0 {
		size = DefaultIconSize
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets directory: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &IconDownloader{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		size:    size,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
		logger: slog.Default().With("module", "icons"),
	}, nil
}

// DownloadIcon fetches <base>/<hint>@2x.png once and stores it resized to size x size.
// Returns the local file path; an existing file is a cache hit.
func (d *IconDownloader) DownloadIcon(ctx context.Context, sym domain.Symbol) (string, error) {
	hint := sanitizeHint(sym.IconHint())
	if hint == "" {
		return "", fmt.Errorf("%w: no icon hint for %q", domain.ErrInvalidSymbol, sym.Code())
	}

	filePath := d.IconPath(sym)
	if _, err := os.Stat(filePath); err == nil {
		return filePath, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/"+hint+"@2x.png", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", domain.NewNetworkError("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &domain.ServerError{StatusCode: resp.StatusCode}
	}

	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	resized := imaging.Resize(srcImg, d.size, d.size, imaging.Lanczos)

	// Write to a temp name so a failed save never leaves a partial cache hit
	tmp := filePath + ".tmp.png"
	if err := imaging.Save(resized, tmp); err != nil {
		return "", fmt.Errorf("failed to save resized image: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to store icon: %w", err)
	}

	d.logger.Debug("Icon cached", slog.String("symbol", sym.Code()), slog.String("path", filePath))
	return filePath, nil
}

// IconPath returns the local path for a symbol's icon
func (d *IconDownloader) IconPath(sym domain.Symbol) string {
	return filepath.Join(d.dir, sanitizeHint(sym.IconHint())+".png")
}

func sanitizeHint(hint string) string {
	res := make([]rune, 0, len(hint))
	for _, r := range strings.ToLower(hint) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			res = append(res, r)
		}
	}
	return string(res)
}
