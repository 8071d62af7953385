package turn

import "github.com/antoniostano/miranda/internal/model"

const (
	toolCreateDocument = "create_document"
	toolUpdateDocument = "update_document"
)

// argumentError marks a tool failure caused by bad model-supplied arguments.
// It is reported back to the model rather than failing the turn.
type argumentError struct {
	err error
}

func (e *argumentError) Error() string { return e.err.Error() }
func (e *argumentError) Unwrap() error { return e.err }

func isArgumentError(err error) bool {
	_, ok := err.(*argumentError)
	return ok
}

func documentToolDefs() []model.ToolDef {
	return []model.ToolDef{
		{
			Name:        toolCreateDocument,
			Description: "Create a new document artifact visible beside the chat. The document body is written in a follow-up step, not here.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string", "description": "Short document title."},
					"kind":  map[string]any{"type": "string", "description": "Document kind, e.g. text or code."},
				},
				"required": []string{"title"},
			},
		},
		{
			Name:        toolUpdateDocument,
			Description: "Rewrite an existing document artifact according to a change description.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"document_id": map[string]any{"type": "string", "description": "ID of the document to update."},
					"description": map[string]any{"type": "string", "description": "What to change in the document."},
				},
				"required": []string{"document_id", "description"},
			},
		},
	}
}
