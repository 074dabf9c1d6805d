package schemas

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jonathan/capsule-forge/internal/types"
)

// placeholderPattern matches {{id}} tokens in fill_blanks text
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)\s*\}\}`)

// mcqOptionCount is the fixed number of options on a multiple choice question
const mcqOptionCount = 4

// semanticViolations runs the Go-side rules for id. Decoding is best effort: fields
// with the wrong JSON type are left zero and already reported by the structural layer.
func semanticViolations(raw []byte, id SchemaID) []Violation {
	switch id {
	case SchemaOutline:
		var o types.Outline
		_ = json.Unmarshal(raw, &o)
		return outlineRules(&o)
	case SchemaModuleContent:
		var mc types.ModuleContent
		_ = json.Unmarshal(raw, &mc)
		var vs []Violation
		for i := range mc.Lessons {
			vs = append(vs, lessonRules(&mc.Lessons[i], fmt.Sprintf("lessons.%d", i))...)
		}
		return vs
	case SchemaSingleLesson:
		var l types.LessonContent
		_ = json.Unmarshal(raw, &l)
		return lessonRules(&l, "")
	case SchemaMCQ:
		var q types.Question
		_ = json.Unmarshal(raw, &q)
		return mcqRules(&q)
	case SchemaFillBlanks:
		var q types.Question
		_ = json.Unmarshal(raw, &q)
		return fillBlanksRules(&q)
	case SchemaDragDrop:
		var q types.Question
		_ = json.Unmarshal(raw, &q)
		return dragDropRules(&q)
	}
	return nil
}

func outlineRules(o *types.Outline) []Violation {
	var vs []Violation
	seen := make(map[string]int)
	for i, m := range o.Modules {
		key := strings.ToLower(strings.TrimSpace(m.Title))
		if key == "" {
			continue
		}
		if prev, ok := seen[key]; ok {
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("modules.%d.title", i),
				Message: fmt.Sprintf("duplicates the title of module %d", prev),
			})
			continue
		}
		seen[key] = i
	}
	return vs
}

func lessonRules(l *types.LessonContent, prefix string) []Violation {
	if l.Variant.IsGraded() && len(l.Questions) == 0 {
		return []Violation{{
			Path:    joinPath(prefix, "questions"),
			Message: fmt.Sprintf("a %s lesson must include at least one practice question", l.Variant),
		}}
	}
	return nil
}

func mcqRules(q *types.Question) []Violation {
	var vs []Violation
	if len(q.Options) != mcqOptionCount {
		vs = append(vs, Violation{
			Path:    "options",
			Message: fmt.Sprintf("must have exactly %d options, got %d", mcqOptionCount, len(q.Options)),
		})
	}
	if q.CorrectIndex != nil && (*q.CorrectIndex < 0 || *q.CorrectIndex >= mcqOptionCount) {
		vs = append(vs, Violation{
			Path:    "correct_index",
			Message: fmt.Sprintf("must be between 0 and %d, got %d", mcqOptionCount-1, *q.CorrectIndex),
		})
	}
	seen := make(map[string]int)
	for i, opt := range q.Options {
		key := strings.ToLower(strings.TrimSpace(opt))
		if key == "" {
			vs = append(vs, Violation{Path: fmt.Sprintf("options.%d", i), Message: "option must not be empty"})
			continue
		}
		if prev, ok := seen[key]; ok {
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("options.%d", i),
				Message: fmt.Sprintf("duplicates option %d", prev),
			})
			continue
		}
		seen[key] = i
	}
	return vs
}

// Placeholders returns the distinct {{id}} tokens in text, in order of first appearance
func Placeholders(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			ids = append(ids, m[1])
		}
	}
	return ids
}

func fillBlanksRules(q *types.Question) []Violation {
	var vs []Violation
	referenced := Placeholders(q.Text)
	if q.Text != "" && len(referenced) == 0 {
		vs = append(vs, Violation{Path: "text", Message: "must contain at least one {{id}} placeholder"})
	}

	defined := make(map[string]int)
	for i, b := range q.Blanks {
		if b.ID == "" {
			continue
		}
		if prev, ok := defined[b.ID]; ok {
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("blanks.%d.id", i),
				Message: fmt.Sprintf("blank id %q duplicates blank %d", b.ID, prev),
			})
			continue
		}
		defined[b.ID] = i
	}

	refSet := make(map[string]bool, len(referenced))
	for _, id := range referenced {
		refSet[id] = true
		if _, ok := defined[id]; !ok {
			vs = append(vs, Violation{
				Path:    "blanks",
				Message: fmt.Sprintf("placeholder {{%s}} has no matching blank", id),
			})
		}
	}
	for i, b := range q.Blanks {
		if b.ID != "" && !refSet[b.ID] && defined[b.ID] == i {
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("blanks.%d", i),
				Message: fmt.Sprintf("blank %q is not referenced in text", b.ID),
			})
		}
	}
	return vs
}

func dragDropRules(q *types.Question) []Violation {
	var vs []Violation
	if len(q.Items) != len(q.Targets) {
		vs = append(vs, Violation{
			Path:    "targets",
			Message: fmt.Sprintf("must have one target per item: %d items, %d targets", len(q.Items), len(q.Targets)),
		})
	}

	items := make(map[string]int)
	for i, it := range q.Items {
		if it.ID == "" {
			continue
		}
		if prev, ok := items[it.ID]; ok {
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("items.%d.id", i),
				Message: fmt.Sprintf("item id %q duplicates item %d", it.ID, prev),
			})
			continue
		}
		items[it.ID] = i
	}

	targetIDs := make(map[string]int)
	acceptedBy := make(map[string][]int)
	for ti, t := range q.Targets {
		if t.ID != "" {
			if prev, ok := targetIDs[t.ID]; ok {
				vs = append(vs, Violation{
					Path:    fmt.Sprintf("targets.%d.id", ti),
					Message: fmt.Sprintf("target id %q duplicates target %d", t.ID, prev),
				})
			} else {
				targetIDs[t.ID] = ti
			}
		}
		if len(t.Accepts) == 0 {
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("targets.%d.accepts", ti),
				Message: "must accept at least one item",
			})
			continue
		}
		seen := make(map[string]bool, len(t.Accepts))
		for ai, ref := range t.Accepts {
			if _, ok := items[ref]; !ok {
				vs = append(vs, Violation{
					Path:    fmt.Sprintf("targets.%d.accepts.%d", ti, ai),
					Message: fmt.Sprintf("references unknown item %q", ref),
				})
				continue
			}
			if seen[ref] {
				vs = append(vs, Violation{
					Path:    fmt.Sprintf("targets.%d.accepts.%d", ti, ai),
					Message: fmt.Sprintf("item %q is listed more than once in this target", ref),
				})
				continue
			}
			seen[ref] = true
			acceptedBy[ref] = append(acceptedBy[ref], ti)
		}
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return items[ids[i]] < items[ids[j]] })
	for _, id := range ids {
		switch n := len(acceptedBy[id]); {
		case n == 0:
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("items.%d", items[id]),
				Message: fmt.Sprintf("item %q is not accepted by any target", id),
			})
		case n > 1:
			vs = append(vs, Violation{
				Path:    fmt.Sprintf("items.%d", items[id]),
				Message: fmt.Sprintf("item %q is accepted by %d targets, expected exactly one", id, n),
			})
		}
	}
	return vs
}

type locatedValue struct {
	path  string
	value any
}

// nestedQuestions finds the question objects embedded in a container document
func nestedQuestions(doc any, id SchemaID) []locatedValue {
	switch id {
	case SchemaModuleContent:
		root, _ := doc.(map[string]any)
		lessons, _ := root["lessons"].([]any)
		var out []locatedValue
		for i, l := range lessons {
			out = append(out, questionsIn(l, fmt.Sprintf("lessons.%d.questions", i))...)
		}
		return out
	case SchemaSingleLesson, SchemaQuiz:
		return questionsIn(doc, "questions")
	}
	return nil
}

func questionsIn(container any, path string) []locatedValue {
	obj, _ := container.(map[string]any)
	qs, _ := obj["questions"].([]any)
	out := make([]locatedValue, 0, len(qs))
	for i, q := range qs {
		out = append(out, locatedValue{path: fmt.Sprintf("%s.%d", path, i), value: q})
	}
	return out
}

func questionSchema(q any) (SchemaID, bool) {
	obj, ok := q.(map[string]any)
	if !ok {
		return "", false
	}
	t, _ := obj["type"].(string)
	switch types.QuestionType(t) {
	case types.QuestionMCQ:
		return SchemaMCQ, true
	case types.QuestionFillBlanks:
		return SchemaFillBlanks, true
	case types.QuestionDragDrop:
		return SchemaDragDrop, true
	}
	return "", false
}
