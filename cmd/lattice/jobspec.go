package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JobSpec is a YAML job manifest `lattice run -f` can load instead of
// (or underneath) flags, in the usual apiVersion/kind/metadata/spec
// shape.
type JobSpec struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Metadata   JobMetadata  `yaml:"metadata"`
	Spec       JobSpecBody  `yaml:"spec"`
}

type JobMetadata struct {
	Name string `yaml:"name"`
}

type JobSpecBody struct {
	Function       string      `yaml:"function"`
	Version        string      `yaml:"version"`
	Args           interface{} `yaml:"args"`
	Handler        string      `yaml:"handler"`
	Cache          string      `yaml:"cache"`
	Container      string      `yaml:"container"`
	TimeoutSeconds float64     `yaml:"timeoutSeconds"`
}

// LoadJobSpec reads and validates a job manifest file.
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	var spec JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse job spec: %w", err)
	}
	if spec.Kind != "" && spec.Kind != "Job" {
		return nil, fmt.Errorf("unsupported job spec kind %q (expected \"Job\")", spec.Kind)
	}
	if spec.Spec.Function == "" {
		return nil, fmt.Errorf("job spec %s: spec.function is required", path)
	}
	return &spec, nil
}
