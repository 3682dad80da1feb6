// Package extension downloads the ad-blocking extension package that is
// installed into each ephemeral profile.
//
// Acquisition is single-shot: there is no retry and no fallback to launching
// without the extension. The package is stored as downloaded; only a digest
// published by the registry can reject it.
package extension

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/net/http/httpproxy"
)

const (
	// DefaultRegistryURL lists uBlock Origin versions, newest first.
	DefaultRegistryURL = "https://addons.mozilla.org/api/v5/addons/addon/ublock-origin/versions/"

	// DefaultFileName is the name the package is written under.
	DefaultFileName = "ublock.temp.xpi"

	maxPackageSize  = 64 << 20
	maxListingSize  = 8 << 20
	manifestEntry   = "manifest.json"
	sha256HashLabel = "sha256:"
)

var (
	ErrNotFound  = errors.New("extension: no published version found")
	ErrNetwork   = errors.New("extension: registry request failed")
	ErrParse     = errors.New("extension: malformed registry response")
	ErrIntegrity = errors.New("extension: package failed verification")
)

// Logger is the subset of logging.Logger the fetcher uses.
type Logger interface {
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
}

// Artifact is a downloaded extension package.
type Artifact struct {
	SourceURL string
	Path      string
	Size      int64
	Hash      string
}

// Fetcher resolves and downloads the latest extension package.
type Fetcher struct {
	registryURL string
	fileName    string
	client      *http.Client
	userAgent   string
	logger      Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRegistryURL sets the versions-listing endpoint.
func WithRegistryURL(u string) Option {
	return func(f *Fetcher) {
		if u != "" {
			f.registryURL = u
		}
	}
}

// WithFileName sets the file name the package is persisted under.
func WithFileName(name string) Option {
	return func(f *Fetcher) {
		if name != "" {
			f.fileName = name
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithUserAgent sets the User-Agent sent to the registry.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithLogger records fetch progress.
func WithLogger(l Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// NewFetcher creates a fetcher for the default registry.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		registryURL: DefaultRegistryURL,
		fileName:    DefaultFileName,
		client:      &http.Client{Transport: proxyTransport(httpproxy.FromEnvironment())},
		userAgent:   "scratchfox",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// proxyTransport resolves HTTP(S)_PROXY and NO_PROXY once, at construction.
func proxyTransport(cfg *httpproxy.Config) *http.Transport {
	proxyFunc := cfg.ProxyFunc()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
	return transport
}

// versionListing is the part of the registry response that is used.
type versionListing struct {
	Results []struct {
		File struct {
			URL  string `json:"url"`
			Hash string `json:"hash"`
		} `json:"file"`
	} `json:"results"`
}

// FetchLatest downloads the most recent version into destinationDir and
// returns the written artifact. Nothing is written unless the registry lists
// at least one version and the payload matches any published digest.
func (f *Fetcher) FetchLatest(ctx context.Context, destinationDir string) (*Artifact, error) {
	downloadURL, hash, err := f.resolveLatest(ctx)
	if err != nil {
		return nil, err
	}
	f.infof("latest extension url=%q", downloadURL)

	payload, err := f.get(ctx, downloadURL, maxPackageSize)
	if err != nil {
		return nil, err
	}

	if err := f.verify(payload, hash); err != nil {
		return nil, err
	}

	path := filepath.Join(destinationDir, f.fileName)
	if err := writeFileAtomic(path, payload); err != nil {
		return nil, err
	}
	f.infof("extension written path=%q bytes=%d", path, len(payload))

	return &Artifact{
		SourceURL: downloadURL,
		Path:      path,
		Size:      int64(len(payload)),
		Hash:      hash,
	}, nil
}

// resolveLatest queries the registry and returns the first listed version.
func (f *Fetcher) resolveLatest(ctx context.Context) (downloadURL, hash string, err error) {
	body, err := f.get(ctx, f.registryURL, maxListingSize)
	if err != nil {
		return "", "", err
	}

	var listing versionListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	if listing.Results == nil {
		return "", "", fmt.Errorf("%w: missing results array", ErrParse)
	}
	if len(listing.Results) == 0 {
		return "", "", fmt.Errorf("%w at %s", ErrNotFound, f.registryURL)
	}

	latest := listing.Results[0].File
	if latest.URL == "" {
		return "", "", fmt.Errorf("%w: latest result has no file url", ErrParse)
	}
	return latest.URL, latest.Hash, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s returned %s", ErrNetwork, rawURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNetwork, rawURL, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrIntegrity, rawURL, limit)
	}
	return body, nil
}

// verify checks the advertised digest, when there is one. The package itself
// is opaque; inspectArchive only reports on it.
func (f *Fetcher) verify(payload []byte, hash string) error {
	switch {
	case hash == "":
	case strings.HasPrefix(hash, sha256HashLabel):
		sum := sha256.Sum256(payload)
		want := strings.ToLower(strings.TrimPrefix(hash, sha256HashLabel))
		if got := hex.EncodeToString(sum[:]); got != want {
			return fmt.Errorf("%w: sha256 mismatch: got %s, want %s", ErrIntegrity, got, want)
		}
	default:
		f.warnf("unsupported hash %q, skipping digest check", hash)
	}

	f.inspectArchive(payload)
	return nil
}

// inspectArchive warns when the payload does not look like a WebExtension
// package. Firefox decides whether it can install it.
func (f *Fetcher) inspectArchive(payload []byte) {
	archive, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		f.warnf("extension package is not a zip archive: %v", err)
		return
	}
	for _, entry := range archive.File {
		if entry.Name == manifestEntry {
			return
		}
	}
	f.warnf("extension package has no %s", manifestEntry)
}

// writeFileAtomic writes through a temp file so a partial package is never
// left under the final name.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write extension package: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename extension package: %w", err)
	}
	return nil
}

func (f *Fetcher) infof(format string, v ...interface{}) {
	if f.logger != nil {
		f.logger.Infof(format, v...)
	}
}

func (f *Fetcher) warnf(format string, v ...interface{}) {
	if f.logger != nil {
		f.logger.Warnf(format, v...)
	}
}
