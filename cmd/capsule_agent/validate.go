package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/capsule-forge/internal/observability"
	"github.com/jonathan/capsule-forge/internal/schemas"
)

var (
	validateSchema   string
	validateDescribe bool
)

// errValidationFailed makes the command exit non-zero after printing violations
var errValidationFailed = errors.New("validation failed")

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a JSON document against a content schema",
	Long: fmt.Sprintf(`Validate a JSON document read from file (or stdin when omitted or "-") against one
of the content schemas, including the semantic rules the generator enforces.

Schemas: %s`, schemaNames()),
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateSchema, "schema", "s", "", "Schema to validate against")
	validateCmd.Flags().BoolVar(&validateDescribe, "describe", false, "Print the schema description given to the model and exit")
	_ = validateCmd.MarkFlagRequired("schema")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	id, err := schemas.ParseSchemaID(validateSchema)
	if err != nil {
		return fmt.Errorf("%w (known: %s)", err, schemaNames())
	}
	if validateDescribe {
		fmt.Fprintln(cmd.OutOrStdout(), schemas.Describe(id))
		return nil
	}

	var data []byte
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	result := schemas.ValidateBytes(data, id)
	observability.NewPrinter(cmd.OutOrStdout()).PrintValidation(id, result)
	if !result.OK {
		return errValidationFailed
	}
	return nil
}

func schemaNames() string {
	names := make([]string, len(schemas.AllSchemaIDs))
	for i, id := range schemas.AllSchemaIDs {
		names[i] = string(id)
	}
	return strings.Join(names, ", ")
}
