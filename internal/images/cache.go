package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// maxDownloadBytes caps a single fetch so a hostile attachment cannot
// exhaust memory.
const maxDownloadBytes = 64 << 20

// Cache is a content-addressed download cache. Blobs are stored under
// their sha256 hash and url-map.json maps source URLs to blob names, so
// re-fetching the same URL across activations and process restarts is a
// local read. Writes are temp-file plus rename; concurrent writers of
// the same blob are harmless because the content is identical.
type Cache struct {
	dir    string
	client *http.Client

	mu     sync.Mutex
	urlMap map[string]string
}

// NewCache opens (or creates) the cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache dir: %w", err)
	}
	c := &Cache{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
		urlMap: make(map[string]string),
	}
	if err := c.loadURLMap(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) mapPath() string {
	return filepath.Join(c.dir, "url-map.json")
}

func (c *Cache) loadURLMap() error {
	data, err := os.ReadFile(c.mapPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read url map: %w", err)
	}
	if err := json.Unmarshal(data, &c.urlMap); err != nil {
		return fmt.Errorf("parse url map: %w", err)
	}
	return nil
}

// Fetch returns the bytes and mime type for url, downloading and
// caching on miss. Discord CDN URLs carry expiring signatures; the map
// key strips the query string so a refreshed signature still hits.
func (c *Cache) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	key := stripQuery(url)

	c.mu.Lock()
	name, ok := c.urlMap[key]
	c.mu.Unlock()
	if ok {
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err == nil {
			return data, mimeFromName(name), nil
		}
		// Blob lost out from under the map; fall through to re-download.
	}

	data, mimeType, err := c.download(ctx, url)
	if err != nil {
		return nil, "", err
	}

	name = blobName(data, mimeType)
	if err := c.writeBlob(name, data); err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	c.urlMap[key] = name
	err = c.persistURLMapLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

func (c *Cache) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	if len(data) > maxDownloadBytes {
		return nil, "", fmt.Errorf("download %s: exceeds %d bytes", url, maxDownloadBytes)
	}
	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// writeBlob writes data to a temp file and renames it into place. A
// blob that already exists is left alone; same name means same bytes.
func (c *Cache) writeBlob(name string, data []byte) error {
	dst := filepath.Join(c.dir, name)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(c.dir, name+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (c *Cache) persistURLMapLocked() error {
	data, err := json.MarshalIndent(c.urlMap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "url-map.json.tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.mapPath())
}

func blobName(data []byte, mimeType string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + extForMime(mimeType)
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}

func mimeFromName(name string) string {
	switch filepath.Ext(name) {
	case ".jpg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func stripQuery(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		return url[:i]
	}
	return url
}
