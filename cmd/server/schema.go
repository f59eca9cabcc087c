package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"cardroom/server/internal/net/proto"
)

func schemaCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Emit the JSON schema of the client wire protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := buildSchema()
			if outPath == "" {
				data, err := json.MarshalIndent(schema, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal schema: %w", err)
				}
				fmt.Println(string(data))
				return nil
			}
			return writeSchema(outPath, schema)
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Path to write the JSON schema (stdout when empty)")

	return cmd
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(proto.ClientMessage))
	schema.Title = "Cardroom Client Protocol"
	schema.Description = fmt.Sprintf("Validates inbound client messages (protocol version %d)", proto.ProtocolVersion)
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
