package types

// Outline is the validated output of the outline stage
type Outline struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Modules     []ModuleOutline `json:"modules"`
}

// ModuleOutline is one planned module
type ModuleOutline struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Lessons     []LessonPlan `json:"lessons"`
}

// LessonPlan is the outline's plan for one lesson
type LessonPlan struct {
	Title            string        `json:"title"`
	Variant          LessonVariant `json:"variant"`
	Summary          string        `json:"summary"`
	EstimatedMinutes int           `json:"estimated_minutes,omitempty"`
}

// TotalLessons counts lesson plans across all modules
func (o *Outline) TotalLessons() int {
	n := 0
	for _, m := range o.Modules {
		n += len(m.Lessons)
	}
	return n
}

// EstimatedMinutes sums planned lesson durations, assuming defaultMinutes where a plan omits one
func (o *Outline) EstimatedMinutes(defaultMinutes int) int {
	total := 0
	for _, m := range o.Modules {
		for _, l := range m.Lessons {
			if l.EstimatedMinutes > 0 {
				total += l.EstimatedMinutes
			} else {
				total += defaultMinutes
			}
		}
	}
	return total
}

// ModuleContent is the validated output of one module content stage
type ModuleContent struct {
	Lessons []LessonContent `json:"lessons"`
}

// LessonContent is generated content for one lesson
type LessonContent struct {
	Title     string        `json:"title"`
	Variant   LessonVariant `json:"variant"`
	Body      string        `json:"body"`
	KeyPoints []string      `json:"key_points,omitempty"`
	Questions []Question    `json:"questions,omitempty"`
}

// Quiz is a standalone question set
type Quiz struct {
	Questions []Question `json:"questions"`
}
