package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mergeflow/mergeflow/pkg/fault"
)

// SchemaVersion is the run.json schema version written by this build.
const SchemaVersion = "1.0.0"

// runSchema validates the run.json envelope shape and its closed value
// sets. Transition legality is enforced by the run manager; this catches
// corrupted or foreign files before they are interpreted.
const runSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["runId", "tenantId", "repo", "state", "createdAt", "updatedAt", "version"],
  "properties": {
    "runId": {"type": "string", "minLength": 1},
    "tenantId": {"type": "string", "minLength": 1},
    "repo": {
      "type": "object",
      "required": ["owner", "name", "fullName"],
      "properties": {
        "owner": {"type": "string"},
        "name": {"type": "string"},
        "fullName": {"type": "string"}
      }
    },
    "state": {
      "type": "string",
      "enum": ["queued", "triaged", "planned", "resolving", "review",
               "awaiting_approval", "applying", "done", "aborted", "failed"]
    },
    "previousStates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["state", "enteredAt"],
        "properties": {
          "state": {"type": "string"},
          "enteredAt": {"type": "string"}
        }
      }
    },
    "capabilitiesMode": {
      "type": "string",
      "enum": ["comment-only", "patch-only", "commit-after-approval"]
    },
    "models": {"type": "object", "additionalProperties": {"type": "string"}},
    "createdAt": {"type": "string"},
    "updatedAt": {"type": "string"},
    "initiator": {"type": "string"},
    "version": {"type": "string"}
  }
}`

var compiledRunSchema = jsonschema.MustCompileString("run.json", runSchema)

// ValidateRunJSON checks raw run.json bytes against the envelope schema and
// verifies the schema version is compatible with this build (same major).
func ValidateRunJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fault.Wrap(fault.CodeCorruptedArtifact, fmt.Errorf("run.json is not valid JSON: %w", err))
	}
	if err := compiledRunSchema.Validate(doc); err != nil {
		return fault.Wrap(fault.CodeCorruptedArtifact, fmt.Errorf("run.json schema violation: %w", err))
	}

	m, _ := doc.(map[string]any)
	version, _ := m["version"].(string)
	return CheckSchemaVersion(version)
}

// checkpointSchema validates the checkpoint.json envelope shape.
const checkpointSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["runId", "currentStepIndex", "status", "checkpointedAt"],
  "properties": {
    "runId": {"type": "string", "minLength": 1},
    "tenantId": {"type": "string"},
    "currentStepIndex": {"type": "integer", "minimum": 0},
    "currentStepName": {"type": "string"},
    "status": {"type": "string"},
    "completedSteps": {"type": "array", "items": {"type": "string"}},
    "failedStepId": {"type": "string"},
    "artifacts": {"type": "object"},
    "checkpointedAt": {"type": "string"},
    "reason": {"type": "string"}
  }
}`

var compiledCheckpointSchema = jsonschema.MustCompileString("checkpoint.json", checkpointSchema)

// ValidateCheckpointJSON checks raw checkpoint.json bytes against the
// envelope schema.
func ValidateCheckpointJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fault.Wrap(fault.CodeCorruptedArtifact, fmt.Errorf("checkpoint.json is not valid JSON: %w", err))
	}
	if err := compiledCheckpointSchema.Validate(doc); err != nil {
		return fault.Wrap(fault.CodeCorruptedArtifact, fmt.Errorf("checkpoint.json schema violation: %w", err))
	}
	return nil
}

// CheckSchemaVersion rejects run.json files written by an incompatible
// (different-major) schema.
func CheckSchemaVersion(version string) error {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return fault.Newf(fault.CodeCorruptedArtifact, "run.json has unparseable schema version %q", version)
	}
	current := semver.MustParse(SchemaVersion)
	if v.Major() != current.Major() {
		return fault.Newf(fault.CodeCorruptedArtifact,
			"run.json schema version %s is incompatible with %s", version, SchemaVersion)
	}
	return nil
}
