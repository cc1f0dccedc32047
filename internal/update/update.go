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

// Package update implements the orchestrator which keeps the device's
// trusted key, bootloader and application in step with the firmware
// repositories.
//
// The orchestrator is a state machine. Every state resolves locally into one
// of: the next step, a retry of the whole loop after a holdoff, a fallback to
// the last known good image, or a halt. Nothing is returned to the caller
// except how the run ended.
package update

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/transparency-dev/armored-lcm/internal/boot"
	"github.com/transparency-dev/armored-lcm/internal/keystore"
	"github.com/transparency-dev/armored-lcm/internal/repo"
	"github.com/transparency-dev/armored-lcm/internal/sig"
	"github.com/transparency-dev/armored-lcm/internal/storage/slots"
	"github.com/transparency-dev/armored-lcm/internal/version"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

const (
	// AppSlot is the boot slot holding the last known good application.
	AppSlot = 0
	// ManagerSlot is the boot slot holding the lifecycle manager main binary.
	ManagerSlot = 1
)

// Params is the subset of the persistent parameters used by the orchestrator.
type Params interface {
	// AppliedVersion returns the last applied user application version.
	AppliedVersion() string
	// SetAppliedVersion records a new applied version, refusing downgrades.
	SetAppliedVersion(v string) error
	// ResetAppliedVersion forces the user application to be fetched again.
	ResetAppliedVersion() error
	// UserRepo returns the user application repository and artifact name.
	UserRepo() (string, string)
}

// Options configure an Orchestrator.
type Options struct {
	// Role is the personality this binary was built as.
	Role Role
	// Version is this binary's own version.
	Version string

	OTARepo  string
	MainRepo string
	CertFile string
	BootFile string
	MainFile string
	// KeyFileFormat names the key chain links, given the link number.
	KeyFileFormat string
	// MaxChainDepth bounds the backwards key chain walk.
	MaxChainDepth int

	// Signer, if set, makes this device a signing authority.
	Signer note.Signer
}

// Orchestrator runs the update state machine.
type Orchestrator struct {
	opts   Options
	keys   *keystore.Store
	repo   repo.Client
	params Params
	loader boot.Loader
	images [2]*slots.Slot

	holdoff backoff.BackOff
	sleep   func(context.Context, time.Duration) error
	metrics *Metrics

	state State
	// resume is the state BackoffWait continues with.
	resume State
	// bootstrapped is set once this run has written a fresh key.
	bootstrapped   bool
	forceBootstrap bool

	// Per cycle.
	cert       Target
	certRecord *sig.Record

	reason  string
	pending *sig.Record
}

// New creates an orchestrator. images holds the application and lifecycle
// manager boot slots, in that order.
func New(opts Options, keys *keystore.Store, rc repo.Client, params Params, loader boot.Loader, images [2]*slots.Slot, holdoff backoff.BackOff, m *Metrics) *Orchestrator {
	if opts.MainRepo == "" {
		opts.MainRepo = opts.OTARepo
	}
	return &Orchestrator{
		opts:    opts,
		keys:    keys,
		repo:    rc,
		params:  params,
		loader:  loader,
		images:  images,
		holdoff: holdoff,
		sleep:   Sleep,
		metrics: m,
		resume:  RefreshKey,
	}
}

// SetSleep replaces the function used to wait in BackoffWait.
func (o *Orchestrator) SetSleep(f func(context.Context, time.Duration) error) {
	o.sleep = f
}

// Run executes the state machine from Bootstrap until a terminal state is
// reached, then performs that state's action through the boot loader.
//
// The returned error is non-nil only if ctx is done while waiting between
// cycles.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.state = Bootstrap
	o.reason, o.pending = "", nil
	for !o.state.Terminal() {
		o.metrics.enter(o.state)
		next, err := o.step(ctx)
		if err != nil {
			return Result{State: o.state, Reason: err.Error()}, err
		}
		klog.V(1).Infof("%s -> %s", o.state, next)
		o.state = next
	}
	o.metrics.enter(o.state)
	o.finish()
	return Result{State: o.state, Reason: o.reason, Pending: o.pending}, nil
}

func (o *Orchestrator) step(ctx context.Context) (State, error) {
	switch o.state {
	case Bootstrap:
		return o.bootstrap(ctx), nil
	case KeySelfCheck:
		return o.keySelfCheck(), nil
	case ModeInit:
		return o.modeInit(ctx), nil
	case BackoffWait:
		return o.backoffWait(ctx)
	case RefreshKey:
		return o.refreshKey(), nil
	case VerifyCert:
		return o.verifyCert(ctx), nil
	case VerifyCertHash:
		return o.verifyCertHash(), nil
	case KeyRotationWalk:
		return o.keyRotationWalk(ctx), nil
	case TestServerAuthenticity:
		return o.testServerAuthenticity(ctx), nil
	case BootBranch:
		return o.bootBranch(ctx), nil
	case MainBranch:
		return o.mainBranch(ctx), nil
	}
	return o.fallback("unexpected state %s", o.state), nil
}

func (o *Orchestrator) finish() {
	switch o.state {
	case Fallback:
		klog.Warningf("Falling back to boot slot %d: %s", AppSlot, o.reason)
		if err := o.loader.SelectSlot(AppSlot); err != nil {
			klog.Errorf("Failed to select boot slot %d: %v", AppSlot, err)
		}
		o.loader.Reboot()
	case Reboot:
		klog.Infof("Rebooting: %s", o.reason)
		o.loader.Reboot()
	case BootAlternate:
		klog.Infof("Booting slot %d: %s", ManagerSlot, o.reason)
		if err := o.loader.TempBoot(ManagerSlot); err != nil {
			klog.Errorf("Failed to select temporary boot slot %d: %v", ManagerSlot, err)
			if err := o.loader.SelectSlot(AppSlot); err != nil {
				klog.Errorf("Failed to select boot slot %d: %v", AppSlot, err)
			}
		}
		o.loader.Reboot()
	case AwaitingOperator:
		klog.Infof("Awaiting operator: %s", o.reason)
		if o.pending != nil {
			klog.Infof("Publish the following as %s%s:\n%s", o.pending.Filename, repo.SigSuffix, o.pending.Note)
		}
	case Halted:
		klog.Errorf("Halted: %s", o.reason)
	}
}

// Transitions.

func (o *Orchestrator) fallback(format string, args ...any) State {
	o.reason = fmt.Sprintf(format, args...)
	return Fallback
}

func (o *Orchestrator) halt(format string, args ...any) State {
	o.reason = fmt.Sprintf(format, args...)
	return Halted
}

// retry waits out a holdoff and then continues with the loop.
func (o *Orchestrator) retry(format string, args ...any) State {
	return o.retryFrom(RefreshKey, format, args...)
}

func (o *Orchestrator) retryFrom(s State, format string, args ...any) State {
	klog.Warningf("Retrying %s: %s", s, fmt.Sprintf(format, args...))
	o.resume = s
	return BackoffWait
}

func (o *Orchestrator) awaitOperator(rec *sig.Record, format string, args ...any) State {
	o.pending = rec
	o.reason = fmt.Sprintf(format, args...)
	return AwaitingOperator
}

// corruptKey handles an unusable active key: bootstrap again, unless this run
// has already done so.
func (o *Orchestrator) corruptKey(err error) State {
	if o.bootstrapped {
		return o.halt("no usable trusted key: %v", err)
	}
	klog.Errorf("Active key unusable, bootstrapping: %v", err)
	o.forceBootstrap = true
	return Bootstrap
}

// States.

func (o *Orchestrator) bootstrap(ctx context.Context) State {
	if !o.forceBootstrap {
		err := o.keys.Load()
		if err == nil {
			return KeySelfCheck
		}
		if !errors.Is(err, keystore.ErrEmpty) {
			return o.halt("key store unreadable: %v", err)
		}
	}
	klog.Infof("Bootstrapping trusted key from %q", o.opts.OTARepo)

	v, err := o.repo.GetVersion(ctx, o.opts.OTARepo)
	if err != nil {
		return o.retryFrom(Bootstrap, "version of %q: %v", o.opts.OTARepo, err)
	}
	if v == version.NotFound {
		return o.halt("repository %q does not exist", o.opts.OTARepo)
	}
	if err := o.keys.Bootstrap(); err != nil {
		return o.retryFrom(Bootstrap, "%v", err)
	}
	t := Target{Repo: o.opts.OTARepo, Version: v, Filename: o.opts.CertFile, Slot: o.keys.ActiveSlot()}
	if err := o.fetch(ctx, t); err != nil {
		return o.retryFrom(Bootstrap, "%v", err)
	}
	if err := o.keys.Commit(); err != nil {
		return o.retryFrom(Bootstrap, "%v", err)
	}
	o.bootstrapped, o.forceBootstrap = true, false
	return KeySelfCheck
}

func (o *Orchestrator) keySelfCheck() State {
	n, err := o.keys.GetActivePubKey()
	if err != nil {
		return o.corruptKey(err)
	}
	klog.V(1).Infof("Active key: %d bytes", n)
	if o.opts.Signer == nil || o.keys.VerifyActivePubKey(o.opts.Signer) {
		return ModeInit
	}
	d, err := o.keys.ActiveContent()
	if err != nil {
		return o.corruptKey(err)
	}
	rec, err := sig.Sign(o.opts.Signer, o.opts.CertFile, d)
	if err != nil {
		return o.halt("failed to sign active key: %v", err)
	}
	return o.awaitOperator(rec, "active key is not endorsed by local signer %q", o.opts.Signer.Name())
}

func (o *Orchestrator) modeInit(ctx context.Context) State {
	if o.opts.Role != RoleBoot {
		return BackoffWait
	}
	if err := o.params.ResetAppliedVersion(); err != nil {
		klog.Warningf("Failed to reset applied version: %v", err)
	}
	userRepo, _ := o.params.UserRepo()
	if userRepo == "" {
		return o.halt("no user repository configured")
	}
	v, err := o.repo.GetVersion(ctx, userRepo)
	switch {
	case err != nil:
		klog.Warningf("Unable to check user repository %q: %v", userRepo, err)
	case v == version.NotFound:
		return o.halt("user repository %q does not exist", userRepo)
	}
	return BackoffWait
}

func (o *Orchestrator) backoffWait(ctx context.Context) (State, error) {
	d := o.holdoff.NextBackOff()
	if d == backoff.Stop {
		return o.fallback("holdoff exhausted"), nil
	}
	o.metrics.holdoff.Set(d.Seconds())
	klog.V(1).Infof("Holding off for %v", d)
	if err := o.sleep(ctx, d); err != nil {
		return BackoffWait, err
	}
	next := o.resume
	o.resume = RefreshKey
	return next, nil
}

func (o *Orchestrator) refreshKey() State {
	if _, err := o.keys.GetActivePubKey(); err != nil {
		return o.corruptKey(err)
	}
	return VerifyCert
}

func (o *Orchestrator) verifyCert(ctx context.Context) State {
	v, err := o.repo.GetVersion(ctx, o.opts.OTARepo)
	if err != nil {
		return o.retry("version of %q: %v", o.opts.OTARepo, err)
	}
	if v == version.NotFound {
		return o.halt("repository %q does not exist", o.opts.OTARepo)
	}
	o.cert = Target{Repo: o.opts.OTARepo, Version: v, Filename: o.opts.CertFile}
	rec, err := o.repo.GetHash(ctx, o.cert.Repo, v, o.cert.Filename)
	switch {
	case errors.Is(err, repo.ErrNotPublished):
		if o.opts.Signer == nil {
			return o.retry("no signature published for %s", o.cert)
		}
		t := o.cert
		t.Slot = o.keys.BackupSlot()
		return o.signAndAwait(ctx, t)
	case err != nil:
		return o.retry("record for %s: %v", o.cert, err)
	}
	o.certRecord = rec
	return VerifyCertHash
}

func (o *Orchestrator) verifyCertHash() State {
	h, err := o.keys.HashActive()
	if err != nil {
		return o.corruptKey(err)
	}
	if bytes.Equal(h, o.certRecord.Hash) {
		return TestServerAuthenticity
	}
	klog.Infof("Certificate %s differs from active key", o.cert)
	return KeyRotationWalk
}

func (o *Orchestrator) keyRotationWalk(ctx context.Context) State {
	// Walk backwards to the newest link endorsed by the active key.
	links := []*sig.Record{}
	if err := sig.Verify(o.certRecord, o.keys.ActiveKey()); err != nil {
		klog.Infof("Certificate not endorsed by active key, walking key chain: %v", err)
		found := false
		for k := 1; k <= o.opts.MaxChainDepth; k++ {
			name := fmt.Sprintf(o.opts.KeyFileFormat, k)
			rec, err := o.repo.GetHash(ctx, o.cert.Repo, o.cert.Version, name)
			if errors.Is(err, repo.ErrNotPublished) {
				return o.fallback("no key chain link endorsed by the active key (%s absent)", name)
			}
			if err != nil {
				return o.retry("record for %s: %v", name, err)
			}
			links = append(links, rec)
			if sig.Verify(rec, o.keys.ActiveKey()) == nil {
				klog.Infof("Key chain head is %s", name)
				found = true
				break
			}
		}
		if !found {
			return o.fallback("no key chain link endorsed by the active key within %d links", o.opts.MaxChainDepth)
		}
	}

	// Then forwards, promoting each link and finally the certificate.
	for i := len(links) - 1; i >= 0; i-- {
		t := Target{Repo: o.cert.Repo, Version: o.cert.Version, Filename: fmt.Sprintf(o.opts.KeyFileFormat, i+1)}
		if s, ok := o.promote(ctx, t, links[i]); !ok {
			return s
		}
	}
	if s, ok := o.promote(ctx, o.cert, o.certRecord); !ok {
		return s
	}
	if _, err := o.keys.GetActivePubKey(); err != nil {
		return o.corruptKey(err)
	}
	return TestServerAuthenticity
}

// promote downloads a key into the backup slot and swaps it in, provided it
// is endorsed by the active key.
func (o *Orchestrator) promote(ctx context.Context, t Target, rec *sig.Record) (State, bool) {
	if err := sig.Verify(rec, o.keys.ActiveKey()); err != nil {
		return o.fallback("%s not endorsed by active key: %v", t, err), false
	}
	t.Slot = o.keys.BackupSlot()
	if err := o.fetch(ctx, t); err != nil {
		return o.retry("%v", err), false
	}
	if err := o.keys.SwapActiveAndBackup(rec); err != nil {
		return o.fallback("promoting %s: %v", t, err), false
	}
	o.metrics.keyRotations.Inc()
	return o.state, true
}

func (o *Orchestrator) testServerAuthenticity(ctx context.Context) State {
	v, err := o.repo.GetVersion(ctx, o.opts.OTARepo)
	if err != nil {
		return o.retry("version of %q: %v", o.opts.OTARepo, err)
	}
	if v == version.NotFound {
		return o.halt("repository %q does not exist", o.opts.OTARepo)
	}
	rec, err := o.repo.GetHash(ctx, o.opts.OTARepo, v, o.opts.CertFile)
	if err != nil {
		return o.retry("record for certificate at %s: %v", v, err)
	}
	h, err := o.keys.HashActive()
	if err != nil {
		return o.corruptKey(err)
	}
	if !bytes.Equal(h, rec.Hash) {
		return o.fallback("server certificate at %s does not match active key", v)
	}
	o.cert.Version = v
	if o.opts.Role == RoleBoot {
		return BootBranch
	}
	return MainBranch
}

func (o *Orchestrator) bootBranch(ctx context.Context) State {
	t := Target{Repo: o.opts.OTARepo, Version: o.cert.Version, Filename: o.opts.BootFile, Slot: o.images[AppSlot]}
	if s, ok := o.ensure(ctx, t, true); !ok {
		return s
	}

	mv := o.cert.Version
	if o.opts.MainRepo != o.opts.OTARepo {
		v, err := o.repo.GetVersion(ctx, o.opts.MainRepo)
		if err != nil {
			return o.retry("version of %q: %v", o.opts.MainRepo, err)
		}
		if v == version.NotFound {
			return o.halt("repository %q does not exist", o.opts.MainRepo)
		}
		mv = v
	}
	t = Target{Repo: o.opts.MainRepo, Version: mv, Filename: o.opts.MainFile, Slot: o.images[ManagerSlot]}
	if s, ok := o.ensure(ctx, t, true); !ok {
		return s
	}
	o.reason = fmt.Sprintf("lifecycle manager %s verified", t)
	return BootAlternate
}

func (o *Orchestrator) mainBranch(ctx context.Context) State {
	if version.Compare(o.cert.Version, o.opts.Version) > 0 {
		t := Target{Repo: o.opts.OTARepo, Version: o.cert.Version, Filename: o.opts.BootFile, Slot: o.images[AppSlot]}
		if s, ok := o.ensure(ctx, t, false); !ok {
			return s
		}
		return o.fallback("lifecycle manager %s is newer than %s, restarting into %s", o.cert.Version, o.opts.Version, o.opts.BootFile)
	}

	userRepo, userFile := o.params.UserRepo()
	if userRepo == "" || userFile == "" {
		o.reason = "no user application configured"
		return Reboot
	}
	v, err := o.repo.GetVersion(ctx, userRepo)
	if err != nil {
		return o.retry("version of %q: %v", userRepo, err)
	}
	if v == version.NotFound {
		return o.halt("user repository %q does not exist", userRepo)
	}
	applied := o.params.AppliedVersion()
	if version.Compare(v, applied) <= 0 {
		o.reason = fmt.Sprintf("user application %s is current (available %s)", applied, v)
		return Reboot
	}

	t := Target{Repo: userRepo, Version: v, Filename: userFile, Slot: o.images[AppSlot]}
	if s, ok := o.ensure(ctx, t, false); !ok {
		return s
	}
	if err := o.params.SetAppliedVersion(v); err != nil {
		return o.retry("recording applied version %s: %v", v, err)
	}
	o.metrics.appliedUpdates.Inc()
	o.reason = fmt.Sprintf("user application updated from %s to %s", applied, v)
	return Reboot
}

// ensure makes t.Slot hold the artifact t, endorsed by the active key.
// It returns false, and the state to move to, if that is not yet possible.
// On success the current state is returned.
//
// An unpublished record is signed locally only if cutout is set. Without it
// nothing is written to t.Slot until a record is published.
func (o *Orchestrator) ensure(ctx context.Context, t Target, cutout bool) (State, bool) {
	rec, err := o.repo.GetHash(ctx, t.Repo, t.Version, t.Filename)
	switch {
	case errors.Is(err, repo.ErrNotPublished):
		if o.opts.Signer == nil || !cutout {
			return o.retry("no signature published for %s", t), false
		}
		return o.signAndAwait(ctx, t), false
	case err != nil:
		return o.retry("record for %s: %v", t, err), false
	}
	if err := sig.Verify(rec, o.keys.ActiveKey()); err != nil {
		return o.fallback("%s not endorsed by active key: %v", t, err), false
	}
	if d, _, err := t.Slot.Read(); err == nil && rec.Matches(d) {
		klog.V(1).Infof("Slot %d already holds %s", t.Slot.Index(), t)
		return o.state, true
	}
	if err := o.fetch(ctx, t); err != nil {
		return o.retry("%v", err), false
	}
	d, _, err := t.Slot.Read()
	if err != nil {
		return o.retry("reading back %s: %v", t, err), false
	}
	if !rec.Matches(d) {
		// Leave nothing bootable-looking behind in the slot.
		if err := t.Slot.Invalidate(); err != nil {
			klog.Errorf("Failed to invalidate slot %d: %v", t.Slot.Index(), err)
		}
		return o.retry("downloaded %s does not match its record", t), false
	}
	klog.Infof("Installed %s into slot %d", t, t.Slot.Index())
	return o.state, true
}

// signAndAwait downloads t, signs it with the local signer and stops so that
// an operator can publish the signature.
func (o *Orchestrator) signAndAwait(ctx context.Context, t Target) State {
	if err := o.fetch(ctx, t); err != nil {
		return o.retry("%v", err)
	}
	d, _, err := t.Slot.Read()
	if err != nil {
		return o.retry("reading back %s: %v", t, err)
	}
	rec, err := sig.Sign(o.opts.Signer, t.Filename, d)
	if err != nil {
		return o.halt("failed to sign %s: %v", t, err)
	}
	return o.awaitOperator(rec, "signed %s, awaiting publication", t)
}

// fetch streams t into its slot and finalises it.
func (o *Orchestrator) fetch(ctx context.Context, t Target) error {
	n, err := o.repo.GetFile(ctx, t.Repo, t.Version, t.Filename, t.Slot)
	if err != nil {
		return fmt.Errorf("fetching %s: %v", t, err)
	}
	if n <= 0 {
		return fmt.Errorf("fetching %s: no data", t)
	}
	if err := o.repo.FinalizeFile(t.Slot); err != nil {
		return fmt.Errorf("finalizing %s: %v", t, err)
	}
	return nil
}
