// Copyright 2024 The Armored LCM authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repo fetches release metadata and artifacts from a firmware
// repository.
//
// The bundled client expects the following layout below its root URL:
//
//	<repo>/latest                    current version string
//	<repo>/<version>/<file>          artifact
//	<repo>/<version>/<file>.sig      signed record for the artifact
package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/machinebox/progress"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/version"
	"k8s.io/klog/v2"
)

const (
	// LatestFile names the file holding a repository's current version.
	LatestFile = "latest"
	// SigSuffix is appended to an artifact's name to locate its record.
	SigSuffix = ".sig"

	// maxMetaSize bounds version and record downloads.
	maxMetaSize = 64 * 1024
)

// ErrNotPublished is returned by GetHash when no record has been published
// for an artifact yet.
var ErrNotPublished = errors.New("signature not published")

// Client is the contract for repository access.
type Client interface {
	// GetVersion returns the current version of the repository, or
	// version.NotFound if the repository does not exist.
	GetVersion(ctx context.Context, repo string) (string, error)
	// GetHash returns the signed record for the artifact, or ErrNotPublished.
	GetHash(ctx context.Context, repo, ver, filename string) (*sig.Record, error)
	// GetFile streams the artifact into the slot's data area, returning the
	// number of bytes written.
	GetFile(ctx context.Context, repo, ver, filename string, dst *slots.Slot) (int64, error)
	// FinalizeFile makes a streamed artifact readable so that it can be hashed.
	FinalizeFile(dst *slots.Slot) error
}

// HTTPClient is a Client for repositories served over http(s) or found on
// the local filesystem (file:// URLs).
type HTTPClient struct {
	root        *url.URL
	timeout     time.Duration
	logProgress bool
	hc          *http.Client
}

// NewHTTPClient creates a client for the repositories below root.
// Every request is bounded by timeout.
func NewHTTPClient(root string, timeout time.Duration, logProgress bool) (*HTTPClient, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("invalid repository root %q: %v", root, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if _, ok := getByScheme[u.Scheme]; !ok {
		return nil, fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
	// Clone DefaultClient and set a timeout.
	dc := *http.DefaultClient
	hc := &dc
	hc.Timeout = timeout
	return &HTTPClient{
		root:        u,
		timeout:     timeout,
		logProgress: logProgress,
		hc:          hc,
	}, nil
}

// GetVersion implements Client.
func (c *HTTPClient) GetVersion(ctx context.Context, repo string) (string, error) {
	b, err := c.readAll(ctx, path.Join(repo, LatestFile))
	if errors.Is(err, os.ErrNotExist) {
		return version.NotFound, nil
	}
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(string(b))
	if !version.Valid(v) {
		return "", fmt.Errorf("repository %q published invalid version %q", repo, v)
	}
	return v, nil
}

// GetHash implements Client.
func (c *HTTPClient) GetHash(ctx context.Context, repo, ver, filename string) (*sig.Record, error) {
	b, err := c.readAll(ctx, path.Join(repo, ver, filename+SigSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotPublished
	}
	if err != nil {
		return nil, err
	}
	r, err := sig.Parse(b)
	if err != nil {
		return nil, err
	}
	if r.Filename != filename {
		return nil, fmt.Errorf("record for %q names %q", filename, r.Filename)
	}
	return r, nil
}

// GetFile implements Client.
func (c *HTTPClient) GetFile(ctx context.Context, repo, ver, filename string, dst *slots.Slot) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p := path.Join(repo, ver, filename)
	rc, size, err := c.open(ctx, p)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			klog.Errorf("Close(%q): %v", p, err)
		}
	}()
	if size > dst.Capacity() {
		return 0, fmt.Errorf("%q is %d bytes, slot %d holds %d", p, size, dst.Index(), dst.Capacity())
	}

	pr := progress.NewReader(rc)
	if c.logProgress && size > 0 {
		go func() {
			progressChan := progress.NewTicker(ctx, pr, size, 1*time.Second)
			for p := range progressChan {
				klog.Infof("Downloading %q: %d%%, %v remaining...", filename, int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}
	n, err := dst.Stage(pr)
	if err != nil {
		return 0, fmt.Errorf("failed to download %q into slot %d: %v", p, dst.Index(), err)
	}
	if size >= 0 && n != size {
		return 0, fmt.Errorf("short download of %q: got %d of %d bytes", p, n, size)
	}
	klog.Infof("Downloaded %q: %d bytes into slot %d", p, n, dst.Index())
	return n, nil
}

// FinalizeFile implements Client.
func (c *HTTPClient) FinalizeFile(dst *slots.Slot) error {
	return dst.Finalize()
}

func (c *HTTPClient) readAll(ctx context.Context, p string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rc, _, err := c.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			klog.Errorf("Close(%q): %v", p, err)
		}
	}()
	b, err := io.ReadAll(io.LimitReader(rc, maxMetaSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxMetaSize {
		return nil, fmt.Errorf("%q exceeds %d bytes", p, maxMetaSize)
	}
	return b, nil
}

// open returns a reader for the resource at p relative to the root, along
// with its size if known (-1 otherwise).
func (c *HTTPClient) open(ctx context.Context, p string) (io.ReadCloser, int64, error) {
	u, err := c.root.Parse(p)
	if err != nil {
		return nil, 0, err
	}
	return getByScheme[u.Scheme](ctx, c.hc, u)
}

var getByScheme = map[string]func(context.Context, *http.Client, *url.URL) (io.ReadCloser, int64, error){
	"http":  readHTTP,
	"https": readHTTP,
	"file": func(_ context.Context, _ *http.Client, u *url.URL) (io.ReadCloser, int64, error) {
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, 0, err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, fi.Size(), nil
	},
}

func readHTTP(ctx context.Context, hc *http.Client, u *url.URL) (io.ReadCloser, int64, error) {
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := hc.Do(req.WithContext(ctx))
	if err != nil {
		return nil, 0, fmt.Errorf("http.Client.Do(): %v", err)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		resp.Body.Close()
		klog.V(1).Infof("Not found: %q", u.String())
		return nil, 0, os.ErrNotExist
	case http.StatusOK:
		break
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected http status %q", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}
