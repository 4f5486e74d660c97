// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	transporthttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	transportssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/loom-run/loom/pkg/semver"
	"github.com/loom-run/loom/pkg/vpath"
)

// GitFetcher fetches dependencies pinned to Git repositories. A selector
// without a ref resolves against the repository's version tags; a selector
// with a ref checks that ref out directly.
type GitFetcher struct {
	// CacheDir is the base directory for checked-out sources.
	CacheDir vpath.OSPath

	auth transport.AuthMethod
}

// NewGitFetcher creates a GitFetcher with authentication discovered from
// SSH keys and token environment variables.
func NewGitFetcher(cacheDir vpath.OSPath) *GitFetcher {
	f := &GitFetcher{CacheDir: cacheDir}
	f.auth = discoverAuth()
	return f
}

// Versions implements Fetcher. A ref-pinned selector has exactly one
// candidate (the ref); otherwise the repository's semver-shaped tags are
// returned newest first.
func (f *GitFetcher) Versions(ctx context.Context, _ Requirement, sel semver.Selector) ([]string, error) {
	gitSel, ok := sel.(*semver.GitSelector)
	if !ok {
		return nil, fmt.Errorf("install: git fetcher cannot serve selector %q", sel)
	}
	if gitSel.Ref != "" {
		return []string{gitSel.Ref}, nil
	}

	refs, err := f.listRemote(ctx, gitSel.URL)
	if err != nil {
		return nil, err
	}

	var versions []string
	for _, ref := range refs {
		if ref.Name().IsTag() {
			tag := ref.Name().Short()
			if semver.IsValidVersion(tag) {
				versions = append(versions, tag)
			}
		}
	}
	return semver.SortVersions(versions), nil
}

// Fetch implements Fetcher: a shallow clone of the requested tag or ref
// into the source cache. Re-fetching an already-present checkout is a
// no-op, keeping installs idempotent.
func (f *GitFetcher) Fetch(ctx context.Context, _ Requirement, sel semver.Selector, version string) (vpath.OSPath, string, error) {
	gitSel, ok := sel.(*semver.GitSelector)
	if !ok {
		return "", "", fmt.Errorf("install: git fetcher cannot serve selector %q", sel)
	}

	dest := f.checkoutPath(gitSel.URL, version)
	if repo, err := git.PlainOpen(dest.String()); err == nil {
		if head, err := repo.Head(); err == nil {
			return dest, head.Hash().String(), nil
		}
	}

	commit, err := f.cloneShallow(ctx, gitSel.URL, version, dest)
	if err != nil {
		return "", "", err
	}
	return dest, commit, nil
}

// listRemote lists a remote's references without cloning.
func (f *GitFetcher) listRemote(ctx context.Context, url string) ([]*plumbing.Reference, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: f.auth})
	if err != nil {
		return nil, fmt.Errorf("install: listing refs of %s: %w", url, err)
	}
	return refs, nil
}

// cloneShallow clones one tag, branch, or commit-pointing ref at depth 1.
// Tags are tried both with and without the "v" prefix.
func (f *GitFetcher) cloneShallow(ctx context.Context, url, version string, dest vpath.OSPath) (string, error) {
	if err := os.MkdirAll(dest.Dir().String(), 0o755); err != nil {
		return "", fmt.Errorf("install: creating checkout parent: %w", err)
	}

	var lastErr error
	for _, refName := range candidateRefs(version) {
		repo, err := git.PlainCloneContext(ctx, dest.String(), false, &git.CloneOptions{
			URL:           url,
			Auth:          f.auth,
			ReferenceName: refName,
			SingleBranch:  true,
			Depth:         1,
		})
		if err != nil {
			lastErr = err
			_ = os.RemoveAll(dest.String())
			continue
		}

		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("install: reading HEAD after clone: %w", err)
		}
		return head.Hash().String(), nil
	}
	return "", fmt.Errorf("install: cloning %s at %s: %w", url, version, lastErr)
}

// candidateRefs lists the reference names a version string may live under:
// the tag as written, its v-prefix twin, and the same pair as branches.
func candidateRefs(version string) []plumbing.ReferenceName {
	names := []string{version}
	if noV, found := strings.CutPrefix(version, "v"); found {
		names = append(names, noV)
	} else {
		names = append(names, "v"+version)
	}

	refs := make([]plumbing.ReferenceName, 0, 2*len(names))
	for _, n := range names {
		refs = append(refs, plumbing.NewTagReferenceName(n))
	}
	for _, n := range names {
		refs = append(refs, plumbing.NewBranchReferenceName(n))
	}
	return refs
}

// checkoutPath maps a repository URL and version to a cache location,
// e.g. sources/github.com/user/repo@1.2.3.
func (f *GitFetcher) checkoutPath(url, version string) vpath.OSPath {
	path := strings.TrimPrefix(url, "https://")
	path = strings.TrimPrefix(path, "http://")
	path = strings.TrimPrefix(path, "ssh://")
	path = strings.TrimPrefix(path, "git@")
	path = strings.TrimSuffix(path, ".git")
	path = strings.ReplaceAll(path, ":", "/")

	return f.CacheDir.Join("sources", filepath.FromSlash(path)+"@"+version)
}

// discoverAuth configures Git authentication from the usual places: SSH
// keys in the user's .ssh directory, then forge token environment
// variables. Public HTTPS repositories need neither.
func discoverAuth() transport.AuthMethod {
	if home, err := os.UserHomeDir(); err == nil {
		for _, key := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			keyPath := filepath.Join(home, ".ssh", key)
			if _, err := os.Stat(keyPath); err != nil {
				continue
			}
			if auth, err := transportssh.NewPublicKeysFromFile("git", keyPath, ""); err == nil {
				return auth
			}
		}
	}

	for _, candidate := range []struct{ env, user string }{
		{"GITHUB_TOKEN", "x-access-token"},
		{"GITLAB_TOKEN", "gitlab-ci-token"},
		{"GIT_TOKEN", "git"},
	} {
		if token := os.Getenv(candidate.env); token != "" {
			return &transporthttp.BasicAuth{Username: candidate.user, Password: token}
		}
	}
	return nil
}
