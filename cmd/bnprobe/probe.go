// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/cudnnbn/backends"
	"github.com/gomlx/cudnnbn/backends/cuda"
	"github.com/gomlx/cudnnbn/pkg/core/dtypes"
	"github.com/gomlx/cudnnbn/pkg/core/shapes"
	"github.com/gomlx/cudnnbn/pkg/core/tensors"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// probeConfig holds the parameters of a probe run.
type probeConfig struct {
	shape    shapes.Shape
	axis     shapes.Axes
	steps    int
	eps      float64
	decay    float64
	backward bool
	seed     uint64
	progress bool
}

// newProbeConfig parses the shape and axis flags, with default values for the other fields.
func newProbeConfig(dims, axis, dtypeName string) (probeConfig, error) {
	cfg := probeConfig{steps: 1, eps: 2e-5, decay: 0.9, seed: 42}
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found || !dtype.IsFloat() {
		return cfg, errors.Errorf("invalid dtype %q: use one of Float16, BFloat16, Float32 or Float64", dtypeName)
	}
	dimensions, err := parseInts(dims)
	if err != nil {
		return cfg, errors.WithMessage(err, "parsing dimensions")
	}
	for _, dim := range dimensions {
		if dim <= 0 {
			return cfg, errors.Errorf("invalid dimensions %v: they must be positive", dimensions)
		}
	}
	cfg.shape = shapes.Make(dtype, dimensions...)
	axisValues, err := parseInts(axis)
	if err != nil {
		return cfg, errors.WithMessage(err, "parsing axis")
	}
	cfg.axis = shapes.Axes(axisValues)
	if err := cfg.axis.Validate(cfg.shape.Rank()); err != nil {
		return cfg, errors.WithMessagef(err, "axis for x shaped %s", cfg.shape)
	}
	return cfg, nil
}

// parseInts parses a comma-separated list of integers. An empty string is an empty list.
func parseInts(list string) ([]int, error) {
	var values []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q in %q", part, list)
		}
		values = append(values, v)
	}
	return values, nil
}

// probeReport holds the results of a probe run.
type probeReport struct {
	cfg         probeConfig
	deviceName  string
	description string
	executor    string
	paramDType  dtypes.DType

	forwardTime, backwardTime time.Duration

	runningMean, runningVar []float64
	batchMean               []float64
	outMean, outStdDev      float64
	gradGammaNorm           float64

	numCopies, bytesCopied int64
}

// memoryCopier is implemented by devices that count their memory copies, like cuda.Device.
type memoryCopier interface {
	MemoryCopies() (count, bytes int64)
}

// probe runs cfg.steps training steps of batch normalization on device.
//
// x is resampled at every step from a normal distribution with a different mean and standard deviation
// per feature, so the running statistics should converge to them.
func probe(device backends.Device, cfg probeConfig) (*probeReport, error) {
	if cfg.steps <= 0 {
		return nil, errors.Errorf("number of steps must be positive, got %d", cfg.steps)
	}
	report := &probeReport{
		cfg:         cfg,
		deviceName:  device.Name(),
		description: device.Description(),
		paramDType:  cfg.shape.DType,
	}
	dtype := cfg.shape.DType
	paramShape := shapes.ReduceShape(cfg.shape, cfg.axis, true)
	newParam := func(value float64) *tensors.Tensor {
		values := slices.Repeat([]float64{value}, paramShape.Size())
		return tensors.FromFlatDataOn(device, values, paramShape.Dimensions...).AsType(dtype, false)
	}
	gamma, beta := newParam(1), newParam(0)
	runningMean, runningVar := newParam(0), newParam(1)

	bn := device.BatchNormForwardBackward()
	report.executor = "BatchNorm"
	if stringer, ok := bn.(interface{ String() string }); ok {
		report.executor = stringer.String()
	}
	rng := rand.New(rand.NewPCG(cfg.seed, 0))
	featureOf := cfg.shape.FeatureIndices(cfg.axis)

	var bar *progressbar.ProgressBar
	if cfg.progress {
		terminal := termenv.NewOutput(os.Stdout)
		terminal.HideCursor()
		defer terminal.ShowCursor()
		bar = progressbar.NewOptions(cfg.steps,
			progressbar.OptionSetDescription("batch norm"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stdout),
			progressbar.OptionClearOnFinish(),
		)
	}
	var out *tensors.Tensor
	var xValues []float64
	for step := range cfg.steps {
		xValues = sampleInput(rng, cfg.shape.Size(), featureOf)
		x := tensors.FromFlatDataOn(device, xValues, cfg.shape.Dimensions...).AsType(dtype, false)

		start := time.Now()
		var err error
		out, err = bn.Forward(x, gamma, beta, runningMean, runningVar, cfg.eps, cfg.decay, cfg.axis)
		if err != nil {
			return nil, errors.WithMessagef(err, "forward step %d", step)
		}
		report.forwardTime += time.Since(start)

		if cfg.backward {
			start = time.Now()
			grads, err := bn.Backward(x, gamma, out, cfg.eps, cfg.axis)
			if err != nil {
				return nil, errors.WithMessagef(err, "backward step %d", step)
			}
			report.backwardTime += time.Since(start)
			report.gradGammaNorm = floats.Norm(grads[1].Float64s(), 2)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
		klog.V(2).Infof("step %d done", step)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	report.runningMean = runningMean.Float64s()
	report.runningVar = runningVar.Float64s()
	report.outMean, report.outStdDev = stat.MeanStdDev(out.Float64s(), nil)
	report.batchMean = featureMeans(xValues, featureOf, paramShape.Size())
	if cudaBN, ok := bn.(*cuda.BatchNorm); ok && cudaBN.HasCache() {
		mean, _ := cudaBN.Cache()
		report.paramDType = mean.DType()
	}
	if copier, ok := device.(memoryCopier); ok {
		report.numCopies, report.bytesCopied = copier.MemoryCopies()
	}
	return report, nil
}

// sampleInput returns size values, where feature f has mean f and standard deviation 1+f/10.
func sampleInput(rng *rand.Rand, size int, featureOf []int) []float64 {
	values := make([]float64, size)
	for ii := range values {
		f := float64(featureOf[ii])
		values[ii] = rng.NormFloat64()*(1+f/10) + f
	}
	return values
}

func featureMeans(values []float64, featureOf []int, numFeatures int) []float64 {
	sums := make([]float64, numFeatures)
	counts := make([]float64, numFeatures)
	for ii, v := range values {
		sums[featureOf[ii]] += v
		counts[featureOf[ii]]++
	}
	floats.Div(sums, counts)
	return sums
}
