// Package model defines the pluggable forecast interface and its baseline
// implementation.
package model

import (
	"barrierbot/internal/storage"
)

// Input is everything a model may condition on at t0.
type Input struct {
	Window  []storage.Bar
	Barrier storage.BarrierState
}

// Output is one probabilistic forecast. PUp+PDown+PNone sums to one.
type Output struct {
	PUp          float64
	PDown        float64
	PNone        float64
	EV           float64
	EVRate       *float64
	SlopePred    float64
	DirectionHat string
	ActionHat    string
	ModelVersion string
	ZBarrier     *float64
	SpreadBps    *float64
	Features     map[string]float64
}

// Model is the forecast plug-in point. Implementations are selected at
// construction time.
type Model interface {
	Predict(in Input) (Output, error)
}
