package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// PublicPrefix is the URL path local media is served under.
const PublicPrefix = "/public/"

// LocalStore writes objects to a directory served by the webhook's HTTP server.
type LocalStore struct {
	dir     string
	baseURL string
	logger  *slog.Logger
}

// NewLocalStore creates the directory if needed. baseURL is the externally
// reachable origin of this service, e.g. https://bot.example.com.
func NewLocalStore(dir, baseURL string, logger *slog.Logger) (*LocalStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("local media store requires a base URL")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating media dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}, nil
}

func (s *LocalStore) Name() string { return "local" }

// Put writes data to dir/name and returns baseURL/public/name.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	s.logger.DebugContext(ctx, "media stored",
		slog.String("path", path),
		slog.Int("bytes", len(data)),
	)
	return s.baseURL + PublicPrefix + name, nil
}

// Handler serves stored objects; mount it at PublicPrefix.
func (s *LocalStore) Handler() http.Handler {
	return http.StripPrefix(PublicPrefix, http.FileServer(http.Dir(s.dir)))
}
