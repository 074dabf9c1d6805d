package types

// QuestionType discriminates the practice question shapes
type QuestionType string

const (
	QuestionMCQ        QuestionType = "mcq"
	QuestionFillBlanks QuestionType = "fill_blanks"
	QuestionDragDrop   QuestionType = "drag_drop"
)

// Question is a tagged variant; only the fields belonging to Type are populated.
type Question struct {
	Type QuestionType `json:"type"`

	// mcq and drag_drop
	Prompt string `json:"prompt,omitempty"`

	// mcq
	Options      []string `json:"options,omitempty"`
	CorrectIndex *int     `json:"correct_index,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`

	// fill_blanks
	Text   string  `json:"text,omitempty"`
	Blanks []Blank `json:"blanks,omitempty"`

	// drag_drop
	Items   []DragItem   `json:"items,omitempty"`
	Targets []DropTarget `json:"targets,omitempty"`
}

// Blank is one answer slot referenced from fill_blanks text as {{id}}
type Blank struct {
	ID           string   `json:"id"`
	Answer       string   `json:"answer"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// DragItem is a draggable card
type DragItem struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DropTarget is a bucket that accepts a set of item ids
type DropTarget struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Accepts []string `json:"accepts"`
}
