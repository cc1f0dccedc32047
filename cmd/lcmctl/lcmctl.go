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

// lcmctl is the operator tool for a lifecycle manager flash image.
package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/transparency-dev/armored-lcm/internal/config"
	"github.com/transparency-dev/armored-lcm/internal/device"
	"k8s.io/klog/v2"
)

type Config struct {
	configFile string

	status bool
	erase  bool

	keyFile string

	image   string
	imgSig  string
	imgSlot uint

	userRepo string
	userFile string

	bootSlot int

	genKey string
	outDir string
}

var conf *Config

func init() {
	conf = &Config{}

	flag.StringVar(&conf.configFile, "c", "lcm.yaml", "device configuration file")
	flag.BoolVar(&conf.status, "s", false, "get lifecycle manager status")
	flag.BoolVar(&conf.erase, "e", false, "erase all partitions, returning the device to factory state")
	flag.StringVar(&conf.keyFile, "k", "", "provision the trusted key from this note verifier file")
	flag.StringVar(&conf.image, "o", "", "image to flash into a boot slot")
	flag.StringVar(&conf.imgSig, "O", "", "signature record the image must verify against under the trusted key")
	flag.UintVar(&conf.imgSlot, "n", 0, "boot slot to flash the image into")
	flag.StringVar(&conf.userRepo, "r", "", "set user application repository")
	flag.StringVar(&conf.userFile, "f", "", "set user application artifact name (with -r)")
	flag.IntVar(&conf.bootSlot, "b", -1, "select the default boot slot")
	flag.StringVar(&conf.genKey, "g", "", "generate a note signer/verifier key pair with this name")
	flag.StringVar(&conf.outDir, "d", ".", "directory to write generated keys to (with -g)")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if flag.NFlag() == 0 {
		flag.PrintDefaults()
		return
	}

	if conf.genKey != "" {
		if err := genKey(conf.genKey, conf.outDir); err != nil {
			klog.Exitf("fatal error, %v", err)
		}
		return
	}

	d, err := openDevice(conf.configFile)
	if err != nil {
		klog.Exitf("fatal error, %v", err)
	}
	defer d.Close()

	if err := run(d); err != nil {
		d.Close()
		klog.Exitf("fatal error, %v", err)
	}
}

func openDevice(path string) (*device.Device, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	d, err := device.Open(cfg)
	if err != nil {
		return nil, err
	}
	key, err := device.MACKey(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := d.LoadParams(key); err != nil {
		if !conf.erase {
			d.Close()
			return nil, err
		}
		klog.Warningf("Ignoring unreadable parameters ahead of erase: %v", err)
	}
	return d, nil
}

func run(d *device.Device) error {
	if conf.erase {
		if !confirm("erase all lifecycle manager partitions") {
			return errors.New("aborted")
		}
		if err := d.Erase(); err != nil {
			return err
		}
		klog.Info("Device erased")
	}
	if d.Params == nil {
		return errors.New("parameters unavailable")
	}
	if conf.keyFile != "" {
		if err := provisionKey(d, conf.keyFile); err != nil {
			return err
		}
	}
	if conf.image != "" {
		if err := flashImage(d, conf.image, conf.imgSig, conf.imgSlot); err != nil {
			return err
		}
	}
	if conf.userRepo != "" {
		if conf.userFile == "" {
			return errors.New("user application artifact name must be given with -f")
		}
		if err := d.Params.SetUserRepo(conf.userRepo, conf.userFile); err != nil {
			return err
		}
		klog.Infof("User application set to %s/%s", conf.userRepo, conf.userFile)
	}
	if conf.bootSlot >= 0 {
		if err := selectSlot(d, uint(conf.bootSlot)); err != nil {
			return err
		}
	}
	if conf.status {
		fmt.Println(d.Status("", "", "").Print())
	}
	return nil
}

func confirm(msg string) bool {
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}
