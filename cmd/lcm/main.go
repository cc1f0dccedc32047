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

// The lcm binary is the lifecycle manager. Built with Role=boot it is the
// minimal stage which installs the lifecycle manager main binary; built with
// Role=main it installs the user application. Each invocation performs a
// single update pass and then restarts into the selected boot slot.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transparency-dev/armored-lcm/internal/boot"
	"github.com/transparency-dev/armored-lcm/internal/config"
	"github.com/transparency-dev/armored-lcm/internal/device"
	"github.com/transparency-dev/armored-lcm/internal/repo"
	"github.com/transparency-dev/armored-lcm/internal/update"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"
)

// Set at build time via -ldflags -X.
var (
	Role     = "main"
	Version  = "0.0.0"
	Revision string
)

var (
	configFile  = flag.String("config", "lcm.yaml", "Path to the device configuration file.")
	metricsAddr = flag.String("metrics_addr", "", "If set, serve prometheus metrics on this address.")
	showStatus  = flag.Bool("status", false, "Print the device status and exit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	role, err := update.ParseRole(Role)
	if err != nil {
		klog.Exitf("Bad build: %v", err)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		klog.Exitf("Failed to load configuration: %v", err)
	}

	d, err := device.Open(cfg)
	if err != nil {
		klog.Exitf("Failed to open flash: %v", err)
	}
	key, err := device.MACKey(cfg)
	if err != nil {
		klog.Exitf("Failed to derive parameter key: %v", err)
	}
	if err := d.LoadParams(key); err != nil {
		klog.Exitf("Failed to load parameters: %v", err)
	}

	if *showStatus {
		klog.Info(d.Status(role.String(), Version, Revision).Print())
		d.Close()
		return
	}

	klog.Infof("Lifecycle manager %s %s (%s) on %s", role, Version, Revision, cfg.Device.Serial)
	slot, err := boot.Next(d.Params)
	if err != nil {
		klog.Exitf("Failed to read boot selection: %v", err)
	}
	klog.Infof("Started from boot slot %d", slot)

	if r, f := d.Params.UserRepo(); r == "" && cfg.Repository.UserRepo != "" {
		klog.Infof("Seeding user application %s/%s from configuration (was %q/%q)", cfg.Repository.UserRepo, cfg.Repository.UserFile, r, f)
		if err := d.Params.SetUserRepo(cfg.Repository.UserRepo, cfg.Repository.UserFile); err != nil {
			klog.Exitf("Failed to store user repository: %v", err)
		}
	}

	var signer note.Signer
	if cfg.Device.SignerKeyFile != "" {
		b, err := os.ReadFile(cfg.Device.SignerKeyFile)
		if err != nil {
			klog.Exitf("Failed to read signer key: %v", err)
		}
		if signer, err = note.NewSigner(strings.TrimSpace(string(b))); err != nil {
			klog.Exitf("Invalid signer key: %v", err)
		}
		klog.Infof("Acting as signing authority %q", signer.Name())
	}

	rc, err := repo.NewHTTPClient(cfg.Repository.URL, cfg.Repository.Timeout, cfg.Repository.LogProgress)
	if err != nil {
		klog.Exitf("Failed to create repository client: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := update.NewMetrics(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				klog.Errorf("Metrics server: %v", err)
			}
		}()
	}

	loader := boot.NewParamLoader(d.Params, uint(len(d.Images)), func(code int) {
		if err := d.Close(); err != nil {
			klog.Errorf("Failed to close flash: %v", err)
		}
		os.Exit(code)
	})
	o := update.New(update.Options{
		Role:          role,
		Version:       Version,
		OTARepo:       cfg.Repository.OTARepo,
		MainRepo:      cfg.Repository.MainRepo,
		CertFile:      cfg.Repository.CertFile,
		BootFile:      cfg.Repository.BootFile,
		MainFile:      cfg.Repository.MainFile,
		KeyFileFormat: cfg.Repository.KeyFileFormat,
		MaxChainDepth: cfg.Repository.MaxChainDepth,
		Signer:        signer,
	},
		d.Keys, rc, d.Params, loader, d.Images,
		update.NewHoldoff(cfg.Holdoff.Initial, cfg.Holdoff.Factor, cfg.Holdoff.Max),
		m)

	r, err := o.Run(ctx)
	if err != nil {
		d.Close()
		klog.Exitf("Update interrupted in %s: %v", r.State, err)
	}
	d.Close()
	switch r.State {
	case update.AwaitingOperator:
		if r.Pending != nil {
			if _, err := os.Stdout.Write(r.Pending.Note); err != nil {
				klog.Errorf("Failed to write pending signature: %v", err)
			}
		}
	case update.Halted:
		klog.Exitf("Halted: %s", r.Reason)
	}
}
