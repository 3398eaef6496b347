package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
	"github.com/instructor-ai/instructor-sub002/pkg/schema"
	"github.com/instructor-ai/instructor-sub002/pkg/validation"
)

// schemaInstruction builds the system turn that tells the model what shape
// to respond with. Required fields are spelled out explicitly because some
// providers drop fields whose required status is ambiguous.
func schemaInstruction(def *schema.Definition, iterable bool) core.Message {
	var sb strings.Builder

	if iterable {
		sb.WriteString("Respond with a JSON array. Every element must be an object matching this schema:\n\n")
	} else {
		sb.WriteString("Respond with a JSON object matching this schema:\n\n")
	}

	if raw, err := json.MarshalIndent(def, "", "  "); err == nil {
		sb.Write(raw)
		sb.WriteString("\n\n")
	}

	if len(def.Required) > 0 {
		sb.WriteString("The following fields are required and must all be present: ")
		sb.WriteString(strings.Join(def.Required, ", "))
		sb.WriteString(".\n")
	}

	if iterable {
		sb.WriteString("Respond ONLY with the JSON array, no additional text or markdown code blocks.")
	} else {
		sb.WriteString("Respond ONLY with the JSON object, no additional text or markdown code blocks.")
	}

	return core.Message{Role: core.RoleSystem, Content: sb.String()}
}

// correctiveForFailures phrases every validation failure of an attempt back
// to the model, one bullet per failure, so a single corrective turn can
// address all of them.
func correctiveForFailures(failures []validation.Failure) core.Message {
	var sb strings.Builder
	sb.WriteString("The response failed validation. Correct ALL of the following problems and respond again with a JSON object that satisfies the schema:\n")
	for _, f := range failures {
		if f.Path != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", f.Path, f.Message)
		} else {
			fmt.Fprintf(&sb, "- %s\n", f.Message)
		}
	}
	return core.Message{Role: core.RoleUser, Content: sb.String()}
}

// correctiveForParse asks for well-formed output after a parse or
// construction failure.
func correctiveForParse(err error) core.Message {
	return core.Message{
		Role: core.RoleUser,
		Content: fmt.Sprintf(
			"The previous response could not be mapped onto the required schema: %v. Respond ONLY with a valid JSON object matching the schema.",
			err),
	}
}

// correctiveForProvider is the generic retry nudge used when no response was
// obtained at all, so there is no field-specific feedback to give.
func correctiveForProvider() core.Message {
	return core.Message{
		Role:    core.RoleUser,
		Content: "The previous call failed before producing a response. Please try again.",
	}
}

// stripMarkdown removes a ```json fence if the provider wrapped its output
// in one.
func stripMarkdown(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
