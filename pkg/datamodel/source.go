package datamodel

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// SourceKind discriminates the ModelSource variants.
type SourceKind string

// Source kinds
const (
	SourceKindRegistry      SourceKind = "registry"
	SourceKindBakedPath     SourceKind = "baked_path"
	SourceKindExperimentRun SourceKind = "experiment_run"
)

// ModelSource describes where a resolved model came from. Exactly one of
// RegistrySource, BakedPathSource and ExperimentRunSource.
type ModelSource interface {
	Kind() SourceKind
	String() string
	json.Marshaler
}

// RegistrySource is a registered model at a stage.
type RegistrySource struct {
	Name  string
	Stage string
}

// Kind implements ModelSource
func (s RegistrySource) Kind() SourceKind { return SourceKindRegistry }

func (s RegistrySource) String() string {
	return fmt.Sprintf("models:/%s/%s", s.Name, s.Stage)
}

// MarshalJSON implements json.Marshaler
func (s RegistrySource) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  SourceKind `json:"kind"`
		Name  string     `json:"name"`
		Stage string     `json:"stage"`
	}{s.Kind(), s.Name, s.Stage})
}

// BakedPathSource is an artifact shipped with the service.
type BakedPathSource struct {
	Path string
}

// Kind implements ModelSource
func (s BakedPathSource) Kind() SourceKind { return SourceKindBakedPath }

func (s BakedPathSource) String() string {
	return "file://" + filepath.ToSlash(s.Path)
}

// MarshalJSON implements json.Marshaler
func (s BakedPathSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind SourceKind `json:"kind"`
		Path string     `json:"path"`
	}{s.Kind(), s.Path})
}

// ExperimentRunSource is the best run of a tracked experiment.
type ExperimentRunSource struct {
	ExperimentName string
	RunID          string
}

// Kind implements ModelSource
func (s ExperimentRunSource) Kind() SourceKind { return SourceKindExperimentRun }

func (s ExperimentRunSource) String() string {
	return fmt.Sprintf("runs:/%s (experiment %q)", s.RunID, s.ExperimentName)
}

// MarshalJSON implements json.Marshaler
func (s ExperimentRunSource) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind           SourceKind `json:"kind"`
		ExperimentName string     `json:"experiment_name"`
		RunID          string     `json:"run_id"`
	}{s.Kind(), s.ExperimentName, s.RunID})
}
