// Package desiredstate reads the model config file: the full list of
// servables that should exist. Supported formats are .yaml/.yml, .json,
// .toml and .hcl.
//
// YAML/JSON/TOML files carry a top-level "servables" list of directives.
// HCL files use one block per servable:
//
//	servable "resnet" {
//	  version = 2
//	  action  = "ENABLE_MODEL"
//	  source  = "${models_dir}/resnet/2"
//	}
//
//	servable "bert" {
//	  policy {
//	    latest = 2
//	  }
//	}
//
// A missing action means ENABLE_MODEL; an unrecognized one decodes to
// UNKNOWN_MODEL and is rejected per servable by the reconciler. A policy
// (latest N, all, or specific versions) selects catalog versions for a
// servable listed without a version.
package desiredstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"servd/pkg/types"
)

// Vars are the variables available to HCL expressions.
type Vars struct {
	ModelsDir string
}

type file struct {
	Servables []servable `json:"servables" yaml:"servables" toml:"servables"`
}

// servable is one file entry. Action stays a string so that a missing key
// and an empty value decode the same way in every format.
type servable struct {
	Name    string               `json:"name" yaml:"name" toml:"name"`
	Version int64                `json:"version" yaml:"version" toml:"version"`
	Action  string               `json:"action" yaml:"action" toml:"action"`
	Source  string               `json:"source" yaml:"source" toml:"source"`
	Policy  *types.VersionPolicy `json:"policy" yaml:"policy" toml:"policy"`
}

func (s servable) directive() (types.Directive, error) {
	var action types.ConfigExportAction
	if err := action.UnmarshalText([]byte(s.Action)); err != nil {
		return types.Directive{}, err
	}
	return types.Directive{Name: s.Name, Version: s.Version, Action: action, Source: s.Source, Policy: s.Policy}, nil
}

type hclFile struct {
	Servables []*hclServable `hcl:"servable,block"`
}

type hclServable struct {
	Name    string     `hcl:"name,label"`
	Version int64      `hcl:"version,optional"`
	Action  string     `hcl:"action,optional"`
	Source  string     `hcl:"source,optional"`
	Policy  *hclPolicy `hcl:"policy,block"`
}

type hclPolicy struct {
	Latest   int     `hcl:"latest,optional"`
	All      bool    `hcl:"all,optional"`
	Specific []int64 `hcl:"specific,optional"`
}

// Load reads and decodes the file at path.
func Load(path string, vars Vars) ([]types.Directive, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(path, b, vars)
}

// Decode decodes b using the format implied by the extension of name.
func Decode(name string, b []byte, vars Vars) ([]types.Directive, error) {
	var f file
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	case ".hcl":
		ss, err := decodeHCL(name, b, vars)
		if err != nil {
			return nil, err
		}
		f.Servables = ss
	default:
		return nil, fmt.Errorf("unsupported model config extension: %s", ext)
	}
	out := make([]types.Directive, 0, len(f.Servables))
	for i, s := range f.Servables {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%s: servable %d has no name", name, i)
		}
		d, err := s.directive()
		if err != nil {
			return nil, fmt.Errorf("%s: servable %q: %w", name, s.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeHCL(name string, b []byte, vars Vars) ([]servable, error) {
	parser := hclparse.NewParser()
	hf, diags := parser.ParseHCL(b, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", name, diags)
	}
	var parsed hclFile
	diags = gohcl.DecodeBody(hf.Body, evalContext(vars), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", name, diags)
	}
	out := make([]servable, 0, len(parsed.Servables))
	for _, s := range parsed.Servables {
		sv := servable{Name: s.Name, Version: s.Version, Action: s.Action, Source: s.Source}
		if p := s.Policy; p != nil {
			sv.Policy = &types.VersionPolicy{Latest: p.Latest, All: p.All, Specific: p.Specific}
		}
		out = append(out, sv)
	}
	return out, nil
}

func evalContext(vars Vars) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"models_dir": cty.StringVal(vars.ModelsDir),
		},
	}
}
