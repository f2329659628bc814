package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fastyrai/turingagents/pkg/schema"
)

func newSchemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Message schema utilities",
	}
	cmd.AddCommand(newSchemaExportCmd())
	return cmd
}

func newSchemaExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print the request message JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := schema.JSONSchema()
			if err != nil {
				return fmt.Errorf("schema export failed: %w", err)
			}
			cmd.Println(string(doc))
			return nil
		},
	}
}
