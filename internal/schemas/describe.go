package schemas

import "strings"

const questionShapes = `Each question object has a "type" of "mcq", "fill_blanks" or "drag_drop":
- mcq: {"type":"mcq","prompt":string,"options":[exactly 4 distinct non-empty strings],"correct_index":0-3,"explanation":string}
- fill_blanks: {"type":"fill_blanks","text":string with {{id}} placeholders,"blanks":[{"id":string,"answer":string,"alternatives":[string]}]}
  every {{id}} in text must have exactly one blank with that id, and every blank must be referenced in text.
- drag_drop: {"type":"drag_drop","prompt":string,"items":[{"id":string,"label":string}],"targets":[{"id":string,"label":string,"accepts":[item ids]}]}
  there must be as many targets as items, every item id must appear in exactly one target's accepts, and no accepts list may be empty.`

const lessonShape = `{"title":string,"variant":"concept"|"mixed"|"simulation"|"quiz","body":markdown string,"key_points":[string],"questions":[question]}
Lessons with variant "mixed" or "quiz" must include at least one question.`

var descriptions = map[SchemaID]string{
	SchemaOutline: `A JSON object {"title":string,"description":string,"modules":[module]} with at least one module.
Each module is {"title":string,"description":string,"lessons":[lesson plan]} with at least one lesson plan and a unique title.
Each lesson plan is {"title":string,"variant":"concept"|"mixed"|"simulation"|"quiz","summary":string,"estimated_minutes":1-120}.`,
	SchemaModuleContent: `A JSON object {"lessons":[lesson]} with at least one lesson, where each lesson is
` + lessonShape + "\n" + questionShapes,
	SchemaSingleLesson: "A single JSON lesson object " + lessonShape + "\n" + questionShapes,
	SchemaQuiz:         `A JSON object {"questions":[question]} with at least one question.` + "\n" + questionShapes,
	SchemaMCQ:          "A single multiple choice question.\n" + questionShapes,
	SchemaFillBlanks:   "A single fill in the blanks question.\n" + questionShapes,
	SchemaDragDrop:     "A single drag and drop question.\n" + questionShapes,
}

// Describe returns a compact human-readable description of the schema, suitable for prompts
func Describe(id SchemaID) string {
	if d, ok := descriptions[id]; ok {
		return strings.TrimSpace(d)
	}
	return "A JSON document matching schema " + string(id)
}
