// SPDX-License-Identifier: MPL-2.0

package install

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/loom-run/loom/pkg/distpkg"
	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/vpath"
)

// DefaultRegistryURL is the registry consulted when no registry is
// configured.
const DefaultRegistryURL = "https://registry.loom.run"

type (
	// RegistryFetcher resolves name+selector requirements against a
	// package registry over HTTP and downloads dist archives into the
	// source cache. It doubles as the dist uploader for publish.
	RegistryFetcher struct {
		// CacheDir is the base directory downloaded dists unpack into.
		CacheDir vpath.OSPath

		// BaseURL is the registry endpoint.
		BaseURL vpath.URLPath

		// Username and Password authenticate uploads and private reads.
		Username, Password string

		// Client is the HTTP client, http.DefaultClient when nil.
		Client *http.Client
	}

	// packageListing is the registry's response to a package query.
	packageListing struct {
		Name     string   `json:"name"`
		Versions []string `json:"versions"`
	}
)

// NewRegistryFetcher creates a RegistryFetcher. An empty url selects the
// default registry.
func NewRegistryFetcher(cacheDir vpath.OSPath, url string) *RegistryFetcher {
	if url == "" {
		url = DefaultRegistryURL
	}
	return &RegistryFetcher{CacheDir: cacheDir, BaseURL: vpath.URLPath(url)}
}

func (f *RegistryFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *RegistryFetcher) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &RegistryError{URL: url, Err: err}
	}
	if f.Username != "" {
		req.SetBasicAuth(f.Username, f.Password)
	}

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, &RegistryError{URL: url, Err: err}
	}
	return resp, nil
}

// Versions implements Fetcher: GET <registry>/packages/<name>.
func (f *RegistryFetcher) Versions(ctx context.Context, req Requirement, _ semver.Selector) ([]string, error) {
	url := f.BaseURL.Join("packages", req.Name).String()
	resp, err := f.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &RegistryError{URL: url, StatusCode: resp.StatusCode}
	}

	var listing packageListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, &RegistryError{URL: url, Err: fmt.Errorf("decoding listing: %w", err)}
	}
	return listing.Versions, nil
}

// Fetch implements Fetcher: GET <registry>/packages/<name>/<version>/dist,
// unpacked into the source cache. An already-cached version is reused
// without touching the network.
func (f *RegistryFetcher) Fetch(ctx context.Context, req Requirement, _ semver.Selector, version string) (vpath.OSPath, string, error) {
	dest := f.CacheDir.Join("registry", filepath.FromSlash(req.Name)+"@"+version)
	if _, err := os.Stat(dest.Join("loom.json").String()); err == nil {
		return dest, "", nil
	}

	url := f.BaseURL.Join("packages", req.Name, version, "dist").String()
	resp, err := f.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", &RegistryError{URL: url, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp("", "loom-dist-*.tar.gz")
	if err != nil {
		return "", "", fmt.Errorf("install: creating download file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return "", "", &RegistryError{URL: url, Err: fmt.Errorf("downloading dist: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("install: finishing download: %w", err)
	}

	if err := os.MkdirAll(dest.String(), 0o755); err != nil {
		return "", "", fmt.Errorf("install: creating cache entry: %w", err)
	}
	if err := distpkg.Unpack(tmpPath, dest.String()); err != nil {
		_ = os.RemoveAll(dest.String())
		return "", "", fmt.Errorf("install: unpacking dist of %s@%s: %w", req.Name, version, err)
	}
	return dest, "", nil
}

// Register creates an account against the registry: POST
// <registry>/register with a JSON credential document.
func (f *RegistryFetcher) Register(ctx context.Context, username, password, email string) error {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
		"email":    email,
	})
	if err != nil {
		return fmt.Errorf("install: encoding registration: %w", err)
	}

	url := f.BaseURL.Join("register").String()
	resp, err := f.do(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &RegistryError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// Upload implements distpkg.Uploader: POST the archive to
// <registry>/packages/<name>/<version>/dist.
func (f *RegistryFetcher) Upload(ctx context.Context, name, version, archivePath string) (err error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("install: opening archive for upload: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	url := f.BaseURL.Join("packages", name, version, "dist").String()
	resp, err := f.do(ctx, http.MethodPost, url, file)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &RegistryError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
