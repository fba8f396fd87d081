package schema

import "encoding/json"

// Default schemas for the events the engine emits. Registered at
// construction so validation works out of the box; callers may register
// newer versions on top.
var defaultSchemas = map[string]map[string]string{
	"ConflictDetected": {
		"1.1.0": `{
			"type": "object",
			"properties": {
				"document_id": {"type": "string"},
				"conflict": {
					"type": "object",
					"properties": {
						"id": {"type": "string", "format": "uuid"},
						"document_id": {"type": "string"},
						"conflicting_operations": {"type": "array"},
						"resolution_strategy": {"type": "string"},
						"resolved": {"type": "boolean"},
						"resolved_operations": {"type": "array"},
						"resolved_at": {"type": "string", "format": "date-time"},
						"created_at": {"type": "string", "format": "date-time"},
						"metadata": {
							"type": "object",
							"properties": {
								"detection_method": {"type": "string"},
								"transformation_history": {"type": "array"},
								"resolution_details": {"type": "string"}
							}
						}
					},
					"required": ["id", "conflicting_operations"]
				}
			},
			"required": ["document_id", "conflict"]
		}`,
	},
	"ConflictResolved": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"document_id": {"type": "string"},
				"conflict_id": {"type": "string", "format": "uuid"},
				"resolved_operations": {"type": "array"}
			},
			"required": ["document_id", "conflict_id", "resolved_operations"]
		}`,
	},
	"OperationTransformed": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"original_operation": {"type": "object"},
				"transformed_operation": {"type": "object"},
				"transformation_type": {"type": "string"},
				"timestamp": {"type": "string", "format": "date-time"}
			},
			"required": ["original_operation", "transformed_operation", "transformation_type"]
		}`,
	},
	"ConflictHistoryEntry": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"conflict_id": {"type": "string", "format": "uuid"},
				"resolved_at": {"type": "string", "format": "date-time"},
				"resolution_strategy": {"type": "string"},
				"involved_users": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["conflict_id", "resolution_strategy"]
		}`,
	},
	"MergeResult": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"source_branch": {"type": "string"},
				"target_branch": {"type": "string"},
				"merged_version": {"type": "integer"},
				"conflicts_resolved": {"type": "array"}
			},
			"required": ["source_branch", "target_branch", "merged_version"]
		}`,
	},
	"VersionCreated": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"document_id": {"type": "string"},
				"version_id": {"type": "string", "format": "uuid"},
				"version_number": {"type": "integer", "minimum": 1},
				"author": {"type": "string"},
				"commit_message": {"type": "string"}
			},
			"required": ["document_id", "version_number"]
		}`,
	},
	"PresenceUpdated": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"document_id": {"type": "string"},
				"user_id": {"type": "string"},
				"cursor": {
					"type": "object",
					"properties": {
						"line": {"type": "integer", "minimum": 0},
						"column": {"type": "integer", "minimum": 0}
					},
					"required": ["line", "column"]
				},
				"is_typing": {"type": "boolean"},
				"qos_tier": {"type": "integer", "minimum": 0, "maximum": 2}
			},
			"required": ["document_id", "user_id", "cursor"]
		}`,
	},
	"OperationApplied": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"document_id": {"type": "string"},
				"operation": {"type": "object"},
				"document_version": {"type": "integer", "minimum": 0}
			},
			"required": ["document_id", "operation"]
		}`,
	},
	"SchemaRegistered": {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"event_type": {"type": "string"},
				"version": {"type": "string"}
			},
			"required": ["event_type", "version"]
		}`,
	},
}

func (r *Registry) registerDefaults() {
	for eventType, versions := range defaultSchemas {
		for version, def := range versions {
			// Definitions above are static and known-valid; a failure
			// here is a programming error.
			if err := r.Register(eventType, version, json.RawMessage(def)); err != nil {
				panic(err)
			}
		}
	}
}
