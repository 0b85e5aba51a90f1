package eca

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid network config")
	ErrSuccessorExists   = errors.New("node already has a successor")
	ErrUnknownNode       = errors.New("unknown node")
	ErrBatchMismatch     = errors.New("sample size mismatch")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrFusionAdapt       = errors.New("fusion node cannot be adapted directly")
	ErrInvalidStiffness  = errors.New("stiffness must be positive")
	ErrModulationSet     = errors.New("signal modulation already set")
)
