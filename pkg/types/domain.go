package types

import "encoding/json"

// Model represents a servable source discovered on disk by a catalog scan.
type Model struct {
	// Servable name the model is served under.
	// example: resnet
	Name string `json:"name" example:"resnet"`
	// Version number of this source. Flat model files are version 1.
	// example: 1
	Version int64 `json:"version" example:"1"`
	// Absolute path to the model file or version directory on disk.
	// example: /home/user/models/resnet/1
	Path string `json:"path" example:"/home/user/models/resnet/1"`
	// Optional family (e.g., llama, mistral, phi).
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
}

// Directive is an external request to change the desired action of one servable.
// A zero Version means "unspecified": ENABLE resolves it through Policy, or to
// the latest version found in the catalog when Policy is nil. DISABLE and
// DELETE apply to every version of Name.
type Directive struct {
	// Servable name.
	// example: resnet
	Name string `json:"name" yaml:"name" toml:"name" example:"resnet"`
	// Servable version; 0 when omitted.
	// example: 1
	Version int64 `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty" example:"1"`
	// One of ENABLE_MODEL, DISABLE_MODEL, DELETE_MODEL, UNKNOWN_MODEL.
	// example: ENABLE_MODEL
	Action ConfigExportAction `json:"action" yaml:"action" toml:"action" example:"ENABLE_MODEL"`
	// Optional source descriptor (local path or s3://bucket/key). Empty means catalog lookup.
	// example: s3://models/resnet/1
	Source string `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty" example:"s3://models/resnet/1"`
	// Optional version policy for an ENABLE without a version.
	Policy *VersionPolicy `json:"policy,omitempty" yaml:"policy,omitempty" toml:"policy,omitempty"`
}

// UnmarshalJSON decodes a directive. A missing "action" key means ENABLE_MODEL,
// the same as an empty one.
func (d *Directive) UnmarshalJSON(b []byte) error {
	type plain Directive
	p := plain{Action: ActionEnable}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = Directive(p)
	return nil
}

// VersionPolicy selects which catalog versions of a servable are served.
// At most one of its fields may be set.
type VersionPolicy struct {
	// Latest serves the N highest catalog versions.
	// example: 2
	Latest int `json:"latest,omitempty" yaml:"latest,omitempty" toml:"latest,omitempty" example:"2"`
	// All serves every catalog version.
	All bool `json:"all,omitempty" yaml:"all,omitempty" toml:"all,omitempty"`
	// Specific serves exactly the listed versions.
	Specific []int64 `json:"specific,omitempty" yaml:"specific,omitempty" toml:"specific,omitempty"`
}

// Kind names the selected policy: "latest", "all", "specific", or "" when
// none or more than one field is set.
func (p VersionPolicy) Kind() string {
	kind, n := "", 0
	if p.Latest != 0 {
		kind, n = "latest", n+1
	}
	if p.All {
		kind, n = "all", n+1
	}
	if len(p.Specific) > 0 {
		kind, n = "specific", n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}
