// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"sync"

	"github.com/gomlx/cudnnbn/internal/workerspool"
	"k8s.io/klog/v2"
)

// Emulator implements Library in pure Go, computing on host memory.
//
// It keeps track of handles and descriptors like the real library does, so it can be used to check that
// descriptors are released (LiveDescriptors), and it can be told to fail specific calls (InjectFailure).
// Calls on the same handle are serialized, modelling a stream.
//
// It is safe for concurrent use.
type Emulator struct {
	mu          sync.Mutex
	nextID      uintptr
	handles     map[Handle]*sync.Mutex
	descriptors map[TensorDescriptor]*descriptorState
	failures    map[string]Status
	calls       map[string]int

	deriveParamType func(DataType) DataType
	pool            *workerspool.Pool
}

type descriptorState struct {
	set    bool
	tensor Tensor4d
}

var _ Library = (*Emulator)(nil)

// NewEmulator returns a new Emulator, with parallelism set to runtime.NumCPU().
func NewEmulator() *Emulator {
	return &Emulator{
		nextID:          1,
		handles:         make(map[Handle]*sync.Mutex),
		descriptors:     make(map[TensorDescriptor]*descriptorState),
		failures:        make(map[string]Status),
		calls:           make(map[string]int),
		deriveParamType: DefaultParamType,
		pool:            workerspool.New(),
	}
}

// DefaultParamType is the rule used by DeriveBNTensorDescriptor for the data type of the derived descriptor:
// half precision types use DataFloat, all others keep their data type.
func DefaultParamType(xType DataType) DataType {
	switch xType {
	case DataHalf, DataBFloat16:
		return DataFloat
	}
	return xType
}

// SetParallelism sets the number of workers used to compute the features in parallel.
// 0 disables parallelism and -1 makes it unlimited.
//
// It must be set before any call is made: changing it while a kernel is running is a data race, since the
// workers pool reads it without locking.
func (e *Emulator) SetParallelism(parallelism int) *Emulator {
	e.pool.SetMaxParallelism(parallelism)
	return e
}

// Parallelism returns the parallelism of the kernels. See SetParallelism.
func (e *Emulator) Parallelism() int {
	return e.pool.MaxParallelism()
}

// SetDeriveParamType changes the rule used by DeriveBNTensorDescriptor to choose the data type of the derived
// descriptor. The default is DefaultParamType.
func (e *Emulator) SetDeriveParamType(rule func(xType DataType) DataType) *Emulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rule == nil {
		rule = DefaultParamType
	}
	e.deriveParamType = rule
	return e
}

// InjectFailure makes every following call to op (e.g. OpBatchNormalizationForwardTraining) fail with the given
// status, without doing anything. Use StatusSuccess to remove the failure.
func (e *Emulator) InjectFailure(op string, status Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if status == StatusSuccess {
		delete(e.failures, op)
		return
	}
	e.failures[op] = status
}

// LiveDescriptors returns the number of tensor descriptors created and not yet destroyed.
func (e *Emulator) LiveDescriptors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.descriptors)
}

// LiveHandles returns the number of handles created and not yet destroyed.
func (e *Emulator) LiveHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// Calls returns the number of calls made to op, including failed ones.
func (e *Emulator) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// lockedEnter registers a call to op and returns the injected failure, if any.
//
// It must be called with Emulator.mu acquired.
func (e *Emulator) lockedEnter(op string) error {
	e.calls[op]++
	if status, found := e.failures[op]; found {
		klog.V(2).Infof("cudnn emulator: %s failing with injected %s", op, status)
		return status
	}
	return nil
}

func (e *Emulator) newID() uintptr {
	id := e.nextID
	e.nextID++
	return id
}

// Create implements Library.
func (e *Emulator) Create() (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpCreate); err != nil {
		return 0, err
	}
	handle := Handle(e.newID())
	e.handles[handle] = &sync.Mutex{}
	return handle, nil
}

// Destroy implements Library.
func (e *Emulator) Destroy(handle Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpDestroy); err != nil {
		return err
	}
	if _, found := e.handles[handle]; !found {
		return StatusBadParam
	}
	delete(e.handles, handle)
	return nil
}

// CreateTensorDescriptor implements Library.
func (e *Emulator) CreateTensorDescriptor() (TensorDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpCreateTensorDescriptor); err != nil {
		return 0, err
	}
	desc := TensorDescriptor(e.newID())
	e.descriptors[desc] = &descriptorState{}
	return desc, nil
}

// SetTensor4dDescriptor implements Library. Only the TensorNCHW format is supported.
func (e *Emulator) SetTensor4dDescriptor(desc TensorDescriptor, format TensorFormat, dataType DataType,
	n, c, h, w int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpSetTensor4dDescriptor); err != nil {
		return err
	}
	state, found := e.descriptors[desc]
	if !found || n <= 0 || c <= 0 || h <= 0 || w <= 0 || dataType.Size() == 0 {
		return StatusBadParam
	}
	if format != TensorNCHW {
		return StatusNotSupported
	}
	state.set = true
	state.tensor = Tensor4d{
		DataType: dataType,
		Dims:     [4]int{n, c, h, w},
		Strides:  [4]int{c * h * w, h * w, w, 1},
	}
	return nil
}

// GetTensor4dDescriptor implements Library.
func (e *Emulator) GetTensor4dDescriptor(desc TensorDescriptor) (Tensor4d, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpGetTensor4dDescriptor); err != nil {
		return Tensor4d{}, err
	}
	state, found := e.descriptors[desc]
	if !found || !state.set {
		return Tensor4d{}, StatusBadParam
	}
	return state.tensor, nil
}

// DeriveBNTensorDescriptor implements Library.
func (e *Emulator) DeriveBNTensorDescriptor(derivedBNDesc, xDesc TensorDescriptor, mode BatchNormMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpDeriveBNTensorDescriptor); err != nil {
		return err
	}
	derived, found := e.descriptors[derivedBNDesc]
	if !found {
		return StatusBadParam
	}
	x, found := e.descriptors[xDesc]
	if !found || !x.set {
		return StatusBadParam
	}
	dims, err := paramDims(x.tensor.Dims, mode)
	if err != nil {
		return err
	}
	derived.set = true
	derived.tensor = Tensor4d{
		DataType: e.deriveParamType(x.tensor.DataType),
		Dims:     dims,
		Strides:  [4]int{dims[1] * dims[2] * dims[3], dims[2] * dims[3], dims[3], 1},
	}
	return nil
}

// paramDims returns the dimensions of the scale, bias and statistics tensors for x's dimensions.
func paramDims(xDims [4]int, mode BatchNormMode) ([4]int, error) {
	switch mode {
	case BatchNormPerActivation:
		return [4]int{1, xDims[1], xDims[2], xDims[3]}, nil
	case BatchNormSpatial:
		return [4]int{1, xDims[1], 1, 1}, nil
	}
	return [4]int{}, StatusBadParam
}

// DestroyTensorDescriptor implements Library.
func (e *Emulator) DestroyTensorDescriptor(desc TensorDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(OpDestroyTensorDescriptor); err != nil {
		return err
	}
	if _, found := e.descriptors[desc]; !found {
		return StatusBadParam
	}
	delete(e.descriptors, desc)
	return nil
}

// lookupCall registers the call to op and returns the stream lock of the handle and the contents of the
// given descriptors.
func (e *Emulator) lookupCall(op string, handle Handle, descs ...TensorDescriptor) (*sync.Mutex, []Tensor4d, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lockedEnter(op); err != nil {
		return nil, nil, err
	}
	stream, found := e.handles[handle]
	if !found {
		return nil, nil, StatusBadParam
	}
	tensors := make([]Tensor4d, len(descs))
	for ii, desc := range descs {
		state, found := e.descriptors[desc]
		if !found || !state.set {
			return nil, nil, StatusBadParam
		}
		tensors[ii] = state.tensor
	}
	return stream, tensors, nil
}

// BatchNormalizationForwardTraining implements Library.
func (e *Emulator) BatchNormalizationForwardTraining(handle Handle, mode BatchNormMode, alpha, beta float64,
	xDesc TensorDescriptor, x []byte, yDesc TensorDescriptor, y []byte,
	bnScaleBiasMeanVarDesc TensorDescriptor, bnScale, bnBias []byte,
	exponentialAverageFactor float64, runningMean, runningVar []byte,
	epsilon float64, saveMean, saveInvVariance []byte) error {
	stream, descs, err := e.lookupCall(OpBatchNormalizationForwardTraining, handle, xDesc, yDesc, bnScaleBiasMeanVarDesc)
	if err != nil {
		return err
	}
	xT, yT, paramT := descs[0], descs[1], descs[2]
	if !(epsilon >= BNMinEpsilon) || xT.Dims != yT.Dims || xT.DataType != yT.DataType {
		return StatusBadParam
	}
	if err := e.checkParams(xT, paramT, mode); err != nil {
		return err
	}
	if !checkLen(xT, x) || !checkLen(yT, y) || !checkLen(paramT, bnScale) || !checkLen(paramT, bnBias) ||
		!checkOptionalLen(paramT, runningMean) || !checkOptionalLen(paramT, runningVar) ||
		!checkOptionalLen(paramT, saveMean) || !checkOptionalLen(paramT, saveInvVariance) {
		return StatusBadParam
	}

	stream.Lock()
	defer stream.Unlock()
	k := &bnKernel{
		pool:    e.pool,
		mode:    mode,
		x:       xT,
		param:   paramT,
		epsilon: epsilon,
	}
	k.forwardTraining(alpha, beta, x, y, bnScale, bnBias, exponentialAverageFactor, runningMean, runningVar,
		saveMean, saveInvVariance)
	return nil
}

// BatchNormalizationBackward implements Library.
func (e *Emulator) BatchNormalizationBackward(handle Handle, mode BatchNormMode,
	alphaDataDiff, betaDataDiff, alphaParamDiff, betaParamDiff float64,
	xDesc TensorDescriptor, x []byte, dyDesc TensorDescriptor, dy []byte, dxDesc TensorDescriptor, dx []byte,
	bnScaleBiasDiffDesc TensorDescriptor, bnScale, resultBnScaleDiff, resultBnBiasDiff []byte,
	epsilon float64, savedMean, savedInvVariance []byte) error {
	stream, descs, err := e.lookupCall(OpBatchNormalizationBackward, handle, xDesc, dyDesc, dxDesc, bnScaleBiasDiffDesc)
	if err != nil {
		return err
	}
	xT, dyT, dxT, paramT := descs[0], descs[1], descs[2], descs[3]
	if !(epsilon >= BNMinEpsilon) || xT.Dims != dyT.Dims || xT.Dims != dxT.Dims ||
		xT.DataType != dyT.DataType || xT.DataType != dxT.DataType {
		return StatusBadParam
	}
	if err := e.checkParams(xT, paramT, mode); err != nil {
		return err
	}
	if (savedMean == nil) != (savedInvVariance == nil) {
		return StatusBadParam
	}
	if !checkLen(xT, x) || !checkLen(dyT, dy) || !checkLen(dxT, dx) || !checkLen(paramT, bnScale) ||
		!checkLen(paramT, resultBnScaleDiff) || !checkLen(paramT, resultBnBiasDiff) ||
		!checkOptionalLen(paramT, savedMean) || !checkOptionalLen(paramT, savedInvVariance) {
		return StatusBadParam
	}

	stream.Lock()
	defer stream.Unlock()
	k := &bnKernel{
		pool:    e.pool,
		mode:    mode,
		x:       xT,
		param:   paramT,
		epsilon: epsilon,
	}
	k.backward(alphaDataDiff, betaDataDiff, alphaParamDiff, betaParamDiff, x, dy, dx,
		bnScale, resultBnScaleDiff, resultBnBiasDiff, savedMean, savedInvVariance)
	return nil
}

// checkParams verifies that the data types are supported, and that the parameters descriptor is the one
// derived from x's for the mode.
func (e *Emulator) checkParams(xT, paramT Tensor4d, mode BatchNormMode) error {
	if !xT.DataType.IsFloat() || !paramT.DataType.IsFloat() {
		return StatusNotSupported
	}
	wantDims, err := paramDims(xT.Dims, mode)
	if err != nil {
		return err
	}
	if paramT.Dims != wantDims {
		return StatusBadParam
	}
	e.mu.Lock()
	wantType := e.deriveParamType(xT.DataType)
	e.mu.Unlock()
	if paramT.DataType != wantType {
		return StatusBadParam
	}
	return nil
}

// checkLen returns whether data can hold the tensor described by t.
func checkLen(t Tensor4d, data []byte) bool {
	return len(data) >= t.Size()*t.DataType.Size()
}

func checkOptionalLen(t Tensor4d, data []byte) bool {
	return data == nil || checkLen(t, data)
}
