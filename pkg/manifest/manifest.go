// Package manifest loads catalog manifests: the reference lists of index
// types, data sources and their compatibility pairs that steps are
// validated against.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	index_types:
//	  - id: bano
//	    description: street-level address index
//	data_sources:
//	  - id: addresses
//	    url_template: https://data.example.org/bano/bano-{region}.csv
//	compatibility:
//	  - index_type: bano
//	    data_source: addresses
package manifest

import "github.com/3leaps/specenv/pkg/envstore"

// CurrentVersion is the only manifest version understood.
const CurrentVersion = "1.0"

// Manifest is a catalog manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest version. Defaults to CurrentVersion.
	Version string `json:"version" yaml:"version"`

	IndexTypes    []envstore.IndexType     `json:"index_types,omitempty" yaml:"index_types,omitempty"`
	DataSources   []envstore.DataSource    `json:"data_sources,omitempty" yaml:"data_sources,omitempty"`
	Compatibility []envstore.Compatibility `json:"compatibility,omitempty" yaml:"compatibility,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = CurrentVersion
	}
}

// Empty reports whether the manifest declares nothing.
func (m *Manifest) Empty() bool {
	return len(m.IndexTypes) == 0 && len(m.DataSources) == 0 && len(m.Compatibility) == 0
}
