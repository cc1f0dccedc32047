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

package repo_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-lcm/internal/flash/testonly"
	"github.com/transparency-dev/armored-lcm/internal/repo"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/version"
	"golang.org/x/mod/sumdb/note"
)

// layout writes a repository tree below dir and returns the published record.
func layout(t *testing.T, dir string, artifact []byte) *sig.Record {
	t.Helper()
	skey, _, err := note.GenerateKey(rand.Reader, "release")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	rec, err := sig.Sign(s, "main.bin", artifact)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	for p, d := range map[string][]byte{
		"ota/latest":                 []byte("1.2.3\n"),
		"ota/1.2.3/main.bin":         artifact,
		"ota/1.2.3/main.bin.sig":     rec.Note,
		"ota/1.2.3/unsigned.bin":     []byte("unsigned"),
		"broken/latest":              []byte("not a version"),
		"ota/1.2.3/mislabelled.sig":  rec.Note,
		"ota/1.2.3/mislabelled.blob": artifact,
	} {
		p = filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(p, d, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return rec
}

func slot(t *testing.T, blocks uint) *slots.Slot {
	t.Helper()
	md := testonly.NewMemDev(t, blocks)
	p, err := slots.OpenPartition(md, slots.Geometry{Length: blocks, SlotLengths: []uint{blocks}})
	if err != nil {
		t.Fatalf("OpenPartition: %v", err)
	}
	s, err := p.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestClient(t *testing.T) {
	dir := t.TempDir()
	artifact := bytes.Repeat([]byte("firmware"), 300)
	want := layout(t, dir, artifact)

	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	for _, root := range []string{srv.URL, "file://" + dir} {
		t.Run(root, func(t *testing.T) {
			ctx := context.Background()
			c, err := repo.NewHTTPClient(root, 5*time.Second, true)
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}

			for _, test := range []struct {
				repo    string
				want    string
				wantErr bool
			}{
				{repo: "ota", want: "1.2.3"},
				{repo: "missing", want: version.NotFound},
				{repo: "broken", wantErr: true},
			} {
				v, err := c.GetVersion(ctx, test.repo)
				if gotErr := err != nil; gotErr != test.wantErr {
					t.Fatalf("GetVersion(%q): %v, wantErr %t", test.repo, err, test.wantErr)
				}
				if v != test.want {
					t.Errorf("GetVersion(%q) = %q, want %q", test.repo, v, test.want)
				}
			}

			rec, err := c.GetHash(ctx, "ota", "1.2.3", "main.bin")
			if err != nil {
				t.Fatalf("GetHash: %v", err)
			}
			if diff := cmp.Diff(want, rec); diff != "" {
				t.Errorf("GetHash: diff %s", diff)
			}
			if _, err := c.GetHash(ctx, "ota", "1.2.3", "unsigned.bin"); !errors.Is(err, repo.ErrNotPublished) {
				t.Errorf("GetHash(unsigned.bin) = %v, want ErrNotPublished", err)
			}
			if _, err := c.GetHash(ctx, "ota", "1.2.3", "mislabelled"); err == nil || errors.Is(err, repo.ErrNotPublished) {
				t.Errorf("GetHash(mislabelled) = %v, want mismatch error", err)
			}

			s := slot(t, 16)
			n, err := c.GetFile(ctx, "ota", "1.2.3", "main.bin", s)
			if err != nil {
				t.Fatalf("GetFile: %v", err)
			}
			if n != int64(len(artifact)) {
				t.Fatalf("GetFile wrote %d bytes, want %d", n, len(artifact))
			}
			if d, _, _ := s.Read(); d != nil {
				t.Fatal("Artifact readable before FinalizeFile")
			}
			if err := c.FinalizeFile(s); err != nil {
				t.Fatalf("FinalizeFile: %v", err)
			}
			d, _, err := s.Read()
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !rec.Matches(d) {
				t.Fatal("Downloaded artifact does not match record")
			}

			if n, err := c.GetFile(ctx, "ota", "1.2.3", "main.bin", slot(t, 2)); err == nil || n > 0 {
				t.Errorf("GetFile into small slot = (%d, %v), want failure", n, err)
			}
			if n, err := c.GetFile(ctx, "ota", "9.9.9", "main.bin", slot(t, 16)); err == nil || n > 0 {
				t.Errorf("GetFile of missing version = (%d, %v), want failure", n, err)
			}
		})
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := repo.NewHTTPClient(srv.URL, time.Second, false)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if v, err := c.GetVersion(context.Background(), "ota"); err == nil {
		t.Fatalf("GetVersion = %q, want error", v)
	}
	if _, err := c.GetHash(context.Background(), "ota", "1.0.0", "x"); err == nil || errors.Is(err, repo.ErrNotPublished) {
		t.Fatalf("GetHash = %v, want transient error", err)
	}
}

func TestNewHTTPClientScheme(t *testing.T) {
	if _, err := repo.NewHTTPClient("ftp://example.com/", time.Second, false); err == nil {
		t.Fatal("NewHTTPClient accepted ftp scheme")
	}
}
