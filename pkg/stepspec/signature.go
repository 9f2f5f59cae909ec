package stepspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// indexSignaturePayload is the canonical identity of an index.
type indexSignaturePayload struct {
	IndexType  string   `json:"index_type"`
	DataSource string   `json:"data_source"`
	Regions    []string `json:"regions"`
}

// Signature returns the deterministic identity of the spec.
//
// Regions are sorted before hashing, so specs whose regions are equal as
// multisets share a signature.
func (s ResourceSpec) Signature() string {
	regions := append([]string(nil), s.Regions...)
	sort.Strings(regions)
	if regions == nil {
		regions = []string{}
	}

	b, _ := json.Marshal(indexSignaturePayload{
		IndexType:  s.IndexType,
		DataSource: s.DataSource,
		Regions:    regions,
	})
	sha := sha256.Sum256(b)
	return "idx_" + hex.EncodeToString(sha[:])
}

// SortedRegions returns a sorted copy of the regions.
func (s ResourceSpec) SortedRegions() []string {
	regions := append([]string(nil), s.Regions...)
	sort.Strings(regions)
	return regions
}

// EnvironmentSignature derives an environment identity from the signatures of
// its member indexes. The result does not depend on member order.
func EnvironmentSignature(memberSignatures []string) string {
	members := append([]string(nil), memberSignatures...)
	sort.Strings(members)
	if members == nil {
		members = []string{}
	}

	b, _ := json.Marshal(struct {
		Members []string `json:"members"`
	}{Members: members})
	sha := sha256.Sum256(b)
	return "env_" + hex.EncodeToString(sha[:])
}
