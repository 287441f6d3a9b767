// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// bnprobe runs batch normalization training steps on a device and reports the resulting statistics.
//
// Example:
//
//	bnprobe -device=cuda:parallelism=4 -dims=32,16,28,28 -axis=0,2,3 -dtype=Float16 -steps=50 -backward
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/cudnnbn/backends"
	_ "github.com/gomlx/cudnnbn/backends/cuda"
	"github.com/gomlx/cudnnbn/backends/notimplemented"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", fmt.Sprintf("Device configuration, e.g. \"cuda:device=0,parallelism=4\". "+
		"If empty, it uses $%s, or the first registered device.", backends.CUDNNBN_DEVICE))
	flagDims = flag.String("dims", "16,8,32,32", "Comma-separated dimensions of the input x.")
	flagAxis = flag.String("axis", "0,2,3", "Comma-separated axes reduced over: "+
		"\"0\" for per-activation normalization, \"0,2,3\" for spatial normalization.")
	flagDType    = flag.String("dtype", "Float32", "DType of the input and parameters: Float16, BFloat16, Float32 or Float64.")
	flagSteps    = flag.Int("steps", 20, "Number of training steps to run.")
	flagEpsilon  = flag.Float64("eps", 2e-5, "Epsilon added to the variance.")
	flagDecay    = flag.Float64("decay", 0.9, "Decay of the running statistics.")
	flagBackward = flag.Bool("backward", false, "Also run the backward pass at each step.")
	flagSeed     = flag.Uint64("seed", 42, "Seed for the random input.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	notimplemented.Register()

	cfg, err := newProbeConfig(*flagDims, *flagAxis, *flagDType)
	if err != nil {
		klog.Errorf("Invalid flags: %+v", err)
		os.Exit(1)
	}
	cfg.steps = *flagSteps
	cfg.eps = *flagEpsilon
	cfg.decay = *flagDecay
	cfg.backward = *flagBackward
	cfg.seed = *flagSeed
	cfg.progress = *flagProgress

	var device backends.Device
	if *flagDevice == "" {
		device, err = backends.New()
	} else {
		device, err = backends.NewWithConfig(*flagDevice)
	}
	if err != nil {
		klog.Errorf("Failed to create device (available: %v): %+v", backends.List(), err)
		os.Exit(1)
	}
	defer device.Finalize()

	report, err := probe(device, cfg)
	if err != nil {
		klog.Errorf("Probe failed: %+v", err)
		os.Exit(1)
	}
	fmt.Println(report.render())
}
