package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/mattsolo1/grove-tracks/cmd"
	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
)

func main() {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}

	schema := r.Reflect(&cmd.TracksConfig{})
	schema.Title = "Grove Tracks Configuration"
	schema.Description = "Schema for tracks.yml."

	// Every config field has a default.
	schema.Required = nil

	writeSchema(schema, "tracks.schema.json")

	taskSchema := r.Reflect(&orchestration.TaskFile{})
	taskSchema.Title = "Grove Tracks Task File"
	taskSchema.Description = "Schema for the task files passed to `tracks plan` and `tracks run`."

	writeSchema(taskSchema, "tracks-tasks.schema.json")
}

func writeSchema(schema *jsonschema.Schema, path string) {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling schema: %v", err)
	}

	// Write to the package root
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}

	log.Printf("Successfully generated schema at %s", path)
}
