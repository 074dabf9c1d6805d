package schemas

import (
	"embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaID names one content-type schema
type SchemaID string

const (
	SchemaOutline       SchemaID = "outline"
	SchemaModuleContent SchemaID = "module_content"
	SchemaSingleLesson  SchemaID = "single_lesson"
	SchemaQuiz          SchemaID = "quiz"
	SchemaMCQ           SchemaID = "mcq"
	SchemaFillBlanks    SchemaID = "fill_blanks"
	SchemaDragDrop      SchemaID = "drag_drop"
)

// AllSchemaIDs lists every registered schema in a stable order
var AllSchemaIDs = []SchemaID{
	SchemaOutline,
	SchemaModuleContent,
	SchemaSingleLesson,
	SchemaQuiz,
	SchemaMCQ,
	SchemaFillBlanks,
	SchemaDragDrop,
}

// ParseSchemaID converts a user-supplied name into a known SchemaID
func ParseSchemaID(name string) (SchemaID, error) {
	for _, id := range AllSchemaIDs {
		if string(id) == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown schema %q", name)
}

//go:embed json/*.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compiled    map[SchemaID]*gojsonschema.Schema
	compileErr  error
)

// Source returns the raw JSON Schema document for id
func Source(id SchemaID) ([]byte, error) {
	path := fmt.Sprintf("json/%s.json", id)
	data, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, &SchemaLoadError{Path: path, Message: "schema not embedded", Cause: err}
	}
	return data, nil
}

func compiledSchema(id SchemaID) (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[SchemaID]*gojsonschema.Schema, len(AllSchemaIDs))
		for _, sid := range AllSchemaIDs {
			data, err := Source(sid)
			if err != nil {
				compileErr = err
				return
			}
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
			if err != nil {
				compileErr = &SchemaLoadError{Path: string(sid), Message: "failed to compile schema", Cause: err}
				return
			}
			compiled[sid] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[id]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", id)
	}
	return s, nil
}
