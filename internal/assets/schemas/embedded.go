// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI can print them regardless
// of the working directory or installation location.
package schemasassets

import _ "embed"

// JobManifestSchemaID is the $id of JobManifestSchema.
const JobManifestSchemaID = "https://schemas.3leaps.dev/runnerhub/v1.0.0/job-manifest.schema.json"

// JobManifestSchema is the embedded job-manifest JSON schema. Manifests may
// reference it through $schema for editor completion.
//
//go:embed job-manifest.schema.json
var JobManifestSchema []byte
