// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and API work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobSpecSchema is the embedded job-spec JSON schema.
//
// The API serves it at /v1/schema/job so clients can validate specs before
// submitting them.
//
//go:embed job-spec.schema.json
var JobSpecSchema []byte
