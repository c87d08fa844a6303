package template_test

import (
	"errors"
	"testing"

	"github.com/michiel/ratchet-sub006/internal/template"
)

func TestEngine_RenderDottedPath(t *testing.T) {
	e := template.NewEngine()
	vars := map[string]any{
		"job_id": "abc-123",
		"output": map[string]any{
			"result": map[string]any{"url": "https://example.com/report.pdf"},
		},
	}

	got, err := e.Render("/exports/{{job_id}}/{{output.result.url}}", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "/exports/abc-123/https://example.com/report.pdf"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEngine_RenderLiteralBraceEscape(t *testing.T) {
	e := template.NewEngine()
	got, err := e.Render("{{{literal}}}", map[string]any{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "{{literal}}" {
		t.Fatalf("got %q", got)
	}
}

func TestEngine_RenderUnknownVariable(t *testing.T) {
	e := template.NewEngine()
	_, err := e.Render("{{missing}}", map[string]any{})
	var target template.InvalidTemplateVariableError
	if !errors.As(err, &target) {
		t.Fatalf("expected InvalidTemplateVariableError, got %v", err)
	}
	if target.Name != "missing" {
		t.Fatalf("unexpected variable name: %q", target.Name)
	}
}

func TestEngine_ValidateCatchesUnterminated(t *testing.T) {
	e := template.NewEngine()
	if err := e.Validate("{{unterminated"); err == nil {
		t.Fatalf("expected an error for an unterminated placeholder")
	}
	if err := e.Validate("{{job_id}} is fine"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
