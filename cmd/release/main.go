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
//
// The release tool lays out a firmware repository release on the local
// filesystem, ready to be served to lifecycle managers:
//
//	<root>/<repo>/latest
//	<root>/<repo>/<version>/<file>
//	<root>/<repo>/<version>/<file>.sig
//
// Artifacts are given as name=path, or as a path whose base name is used.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/transparency-dev/armored-lcm/internal/repo"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/version"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

var (
	rootDir       = flag.String("root", "", "Root directory of the repository tree.")
	repoName      = flag.String("repo", "", "Repository to publish into, e.g. lcm/ota.")
	releaseVer    = flag.String("version", "", "Version of the release.")
	signerKeyFile = flag.String("signer_key_file", "", "File containing a note signer key used to sign the artifacts.")
	importSig     = flag.String("import_sig", "", "Publish a signature record produced elsewhere, e.g. by a device acting as signing authority.")
	setLatest     = flag.Bool("set_latest", true, "Point the repository's latest file at this release.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *rootDir == "" || *repoName == "" {
		klog.Exitf("-root and -repo are required")
	}
	if !version.Valid(*releaseVer) {
		klog.Exitf("Invalid release version %q", *releaseVer)
	}
	r := release{root: *rootDir, repo: *repoName, version: *releaseVer}

	if *importSig != "" {
		b, err := os.ReadFile(*importSig)
		if err != nil {
			klog.Exitf("Failed to read signature %q: %v", *importSig, err)
		}
		if err := r.importRecord(b); err != nil {
			klog.Exitf("Failed to import signature: %v", err)
		}
	}

	var s note.Signer
	if *signerKeyFile != "" {
		s = signerOrDie(*signerKeyFile)
	}
	for _, a := range flag.Args() {
		name, path := a, a
		if i := strings.Index(a, "="); i >= 0 {
			name, path = a[:i], a[i+1:]
		} else {
			name = filepath.Base(a)
		}
		d, err := os.ReadFile(path)
		if err != nil {
			klog.Exitf("Failed to read artifact %q: %v", path, err)
		}
		if err := r.publish(name, d, s); err != nil {
			klog.Exitf("Failed to publish %q: %v", name, err)
		}
	}

	if *setLatest {
		if err := r.markLatest(); err != nil {
			klog.Exitf("Failed to update latest: %v", err)
		}
	}
}

type release struct {
	root, repo, version string
}

func (r release) dir() string {
	return filepath.Join(r.root, filepath.FromSlash(r.repo), r.version)
}

// publish writes the artifact d as name, and its record if s is non-nil.
func (r release) publish(name string, d []byte, s note.Signer) error {
	if strings.ContainsAny(name, "/\\") || name == repo.LatestFile {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	if err := os.MkdirAll(r.dir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(r.dir(), name), d, 0o644); err != nil {
		return err
	}
	klog.Infof("Wrote %d bytes to %s/%s/%s", len(d), r.repo, r.version, name)
	if s == nil {
		klog.Warningf("No signer given, %s is unsigned", name)
		return nil
	}
	rec, err := sig.Sign(s, name, d)
	if err != nil {
		return err
	}
	return r.writeRecord(rec)
}

// importRecord publishes an existing record, checking it matches the
// artifact already in the release.
func (r release) importRecord(b []byte) error {
	rec, err := sig.Parse(b)
	if err != nil {
		return err
	}
	d, err := os.ReadFile(filepath.Join(r.dir(), rec.Filename))
	if err != nil {
		return fmt.Errorf("record describes %q: %v", rec.Filename, err)
	}
	if !rec.Matches(d) {
		return fmt.Errorf("record does not match published %q", rec.Filename)
	}
	return r.writeRecord(rec)
}

func (r release) writeRecord(rec *sig.Record) error {
	p := filepath.Join(r.dir(), rec.Filename+repo.SigSuffix)
	if err := os.WriteFile(p, rec.Note, 0o644); err != nil {
		return err
	}
	klog.Infof("Wrote record for %s", rec.Filename)
	return nil
}

func (r release) markLatest() error {
	p := filepath.Join(r.root, filepath.FromSlash(r.repo), repo.LatestFile)
	if err := os.WriteFile(p, []byte(r.version+"\n"), 0o644); err != nil {
		return err
	}
	klog.Infof("%s latest is now %s", r.repo, r.version)
	return nil
}

func signerOrDie(p string) note.Signer {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read signer key file %q: %v", p, err)
	}
	s, err := note.NewSigner(strings.TrimSpace(string(b)))
	if err != nil {
		klog.Exitf("Invalid note signer key in %q: %v", p, err)
	}
	return s
}
