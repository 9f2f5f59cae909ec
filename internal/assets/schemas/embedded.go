// Package schemasassets embeds the JSON schemas published by specenv so
// that installed binaries can print them without files on disk.
package schemasassets

import _ "embed"

// CatalogManifestSchema describes the catalog manifest accepted by
// "specenv catalog load". Editors can reference it through the manifest's
// $schema key.
//
//go:embed catalog-manifest.schema.json
var CatalogManifestSchema []byte
