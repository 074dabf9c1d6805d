package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// CreateCapsuleRequest is the body of POST /capsules
type CreateCapsuleRequest struct {
	Topic       string     `json:"topic,omitempty" validate:"omitempty,min=3,max=500"`
	DocumentRef string     `json:"document_ref,omitempty" validate:"omitempty,max=2048"`
	Visibility  Visibility `json:"visibility,omitempty" validate:"omitempty,oneof=public private"`
}

// Validate validates the CreateCapsuleRequest using the validator.
// Exactly one of topic or document_ref must be set.
func (r *CreateCapsuleRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return err
	}
	if (r.Topic == "") == (r.DocumentRef == "") {
		return fmt.Errorf("exactly one of topic or document_ref is required")
	}
	return nil
}

// Source returns the capsule source described by the request
func (r *CreateCapsuleRequest) Source() Source {
	if r.DocumentRef != "" {
		return Source{Kind: SourceDocument, DocumentRef: r.DocumentRef}
	}
	return Source{Kind: SourceTopic, Topic: r.Topic}
}

// UpdateVisibilityRequest is the body of PATCH /capsules/{id}/visibility
type UpdateVisibilityRequest struct {
	Visibility Visibility `json:"visibility" validate:"required,oneof=public private"`
}

// Validate validates the UpdateVisibilityRequest using the validator.
func (r *UpdateVisibilityRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// RegenerateLessonRequest is the body of POST /capsules/{id}/lessons/{lessonID}/regenerate
type RegenerateLessonRequest struct {
	Instructions string `json:"instructions,omitempty" validate:"max=2000"`
}

// Validate validates the RegenerateLessonRequest using the validator.
func (r *RegenerateLessonRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}
