// Package types provides type definitions for structured data used throughout the capsule-forge system.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind identifies what a capsule is generated from
type SourceKind string

const (
	// SourceTopic is a free-form topic string typed by the user
	SourceTopic SourceKind = "topic"
	// SourceDocument is a reference to an uploaded document (file path or URL)
	SourceDocument SourceKind = "document"
)

// Visibility controls who can see a capsule
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// CapsuleStatus is the user-visible lifecycle of a capsule
type CapsuleStatus string

const (
	CapsulePending    CapsuleStatus = "pending"
	CapsuleProcessing CapsuleStatus = "processing"
	CapsuleCompleted  CapsuleStatus = "completed"
	CapsuleFailed     CapsuleStatus = "failed"
)

// Source is what the user asked to learn about
type Source struct {
	Kind        SourceKind `json:"kind"`
	Topic       string     `json:"topic,omitempty"`
	DocumentRef string     `json:"document_ref,omitempty"`
}

// Capsule is the generated course artifact shown to learners
type Capsule struct {
	ID                uuid.UUID     `json:"id"`
	UserID            uuid.UUID     `json:"user_id"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Source            Source        `json:"source"`
	Visibility        Visibility    `json:"visibility"`
	Status            CapsuleStatus `json:"status"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ModuleIDs         []uuid.UUID   `json:"module_ids"`
	EstimatedDuration int           `json:"estimated_duration_minutes"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Module is one committed unit of the outline. It only exists once all of its lessons exist.
type Module struct {
	ID          uuid.UUID   `json:"id"`
	CapsuleID   uuid.UUID   `json:"capsule_id"`
	Position    int         `json:"position"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	LessonIDs   []uuid.UUID `json:"lesson_ids"`
	CreatedAt   time.Time   `json:"created_at"`
}

// LessonVariant tags what kind of content a lesson carries
type LessonVariant string

const (
	VariantConcept    LessonVariant = "concept"
	VariantMixed      LessonVariant = "mixed"
	VariantSimulation LessonVariant = "simulation"
	VariantQuiz       LessonVariant = "quiz"
)

// IsGraded reports whether lessons of this variant must carry practice questions
func (v LessonVariant) IsGraded() bool {
	return v == VariantMixed || v == VariantQuiz
}

// Lesson is the leaf content unit
type Lesson struct {
	ID        uuid.UUID     `json:"id"`
	ModuleID  uuid.UUID     `json:"module_id"`
	Position  int           `json:"position"`
	Title     string        `json:"title"`
	Variant   LessonVariant `json:"variant"`
	Body      string        `json:"body"`
	KeyPoints []string      `json:"key_points,omitempty"`
	Questions []Question    `json:"questions,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ModuleWithLessons is the read model returned when listing a capsule's content
type ModuleWithLessons struct {
	Module
	Lessons []Lesson `json:"lessons"`
}
