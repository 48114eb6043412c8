package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MLmodelFile is the descriptor MLflow writes next to a logged model.
const MLmodelFile = "MLmodel"

// DefaultModelFile is looked up when no descriptor names the model file.
const DefaultModelFile = "model.onnx"

// TensorSpec describes one named tensor of a model signature.
type TensorSpec struct {
	Name  string
	DType string
	Shape []int64
}

// MLmodel is the subset of the MLmodel descriptor needed to serve the model.
type MLmodel struct {
	ArtifactPath string
	RunID        string
	ModelUUID    string
	// DataFile is the onnx flavor model file, relative to the model directory.
	DataFile string
	Inputs   []TensorSpec
	Outputs  []TensorSpec
}

type mlmodelYAML struct {
	ArtifactPath string `yaml:"artifact_path"`
	RunID        string `yaml:"run_id"`
	ModelUUID    string `yaml:"model_uuid"`
	Flavors      map[string]struct {
		Data string `yaml:"data"`
	} `yaml:"flavors"`
	Signature struct {
		Inputs  string `yaml:"inputs"`
		Outputs string `yaml:"outputs"`
	} `yaml:"signature"`
}

type signatureColumn struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	TensorSpec struct {
		DType string  `json:"dtype"`
		Shape []int64 `json:"shape"`
	} `json:"tensor-spec"`
}

// ReadMLmodel parses the MLmodel descriptor in dir.
func ReadMLmodel(dir string) (*MLmodel, error) {
	b, err := os.ReadFile(filepath.Join(dir, MLmodelFile))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", MLmodelFile)
	}

	var raw mlmodelYAML
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse %s", MLmodelFile)
	}

	m := &MLmodel{
		ArtifactPath: raw.ArtifactPath,
		RunID:        raw.RunID,
		ModelUUID:    raw.ModelUUID,
	}
	if onnx, ok := raw.Flavors["onnx"]; ok {
		m.DataFile = onnx.Data
	}

	if m.Inputs, err = parseSignature(raw.Signature.Inputs); err != nil {
		return nil, errors.Wrap(err, "parse signature inputs")
	}
	if m.Outputs, err = parseSignature(raw.Signature.Outputs); err != nil {
		return nil, errors.Wrap(err, "parse signature outputs")
	}
	return m, nil
}

// signature columns are stored as a JSON document inside the YAML
func parseSignature(s string) ([]TensorSpec, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var cols []signatureColumn
	if err := json.Unmarshal([]byte(s), &cols); err != nil {
		return nil, err
	}
	specs := make([]TensorSpec, 0, len(cols))
	for _, c := range cols {
		if c.Type != "" && c.Type != "tensor" {
			continue
		}
		shape := make([]int64, len(c.TensorSpec.Shape))
		for i, d := range c.TensorSpec.Shape {
			// a dynamic dimension is served with batch size one
			if d < 1 {
				d = 1
			}
			shape[i] = d
		}
		specs = append(specs, TensorSpec{Name: c.Name, DType: c.TensorSpec.DType, Shape: shape})
	}
	return specs, nil
}

// ModelFile locates the model file for p, which is either a model file or a
// directory holding an MLmodel descriptor or a model.onnx.
func ModelFile(p string) (string, *MLmodel, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return "", nil, errors.Wrapf(err, "stat %s", p)
	}
	if !fi.IsDir() {
		return p, nil, nil
	}

	var m *MLmodel
	if _, err := os.Stat(filepath.Join(p, MLmodelFile)); err == nil {
		if m, err = ReadMLmodel(p); err != nil {
			return "", nil, err
		}
		if m.DataFile != "" {
			f := filepath.Join(p, filepath.FromSlash(m.DataFile))
			if _, err := os.Stat(f); err != nil {
				return "", nil, errors.Wrapf(ErrNoModelFile, "%s names missing file %s", MLmodelFile, m.DataFile)
			}
			return f, m, nil
		}
	}

	f := filepath.Join(p, DefaultModelFile)
	if _, err := os.Stat(f); err != nil {
		return "", nil, errors.Wrapf(ErrNoModelFile, "%s", p)
	}
	return f, m, nil
}
