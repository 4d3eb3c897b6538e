package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"carescribe/internal/forms"
)

func newFormsCommand(opts *globalOptions) *cobra.Command {
	var schemaOf string

	cmd := &cobra.Command{
		Use:   "forms",
		Short: "List form schemas or print one as JSON Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			registry := forms.NewRegistry()
			if err := registry.LoadFile(cfg.Forms.Path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if schemaOf != "" {
				schema, err := registry.Lookup(schemaOf)
				if err != nil {
					return err
				}
				return printJSON(out, forms.JSONSchema(schema))
			}

			for _, name := range registry.Names() {
				schema, _ := registry.Lookup(name)
				fields := make([]string, 0, len(schema.Fields))
				for _, f := range schema.Fields {
					fields = append(fields, f.Name)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", schema.Name, schema.Title, strings.Join(fields, ","))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schemaOf, "schema", "", "print the JSON Schema of this form")
	return cmd
}
