package worker

import (
	"strings"

	"github.com/roach88/darkfactory/internal/workflow"
)

var specialistPreambles = map[workflow.Specialist]string{
	workflow.SpecialistCoder: `You are a specialist CODE IMPLEMENTER. Write clean, well-structured code that follows project conventions.

YOUR OBLIGATIONS:
- Follow the established architecture and patterns
- Handle errors with descriptive messages
- Add tests for new functions

YOUR PROHIBITIONS:
- DO NOT modify files outside your assigned scope
- DO NOT introduce new runtime dependencies without explicit approval
- DO NOT disable or weaken existing tests`,

	workflow.SpecialistTester: `You are a specialist TEST WRITER. Create test suites that establish code correctness.

YOUR OBLIGATIONS:
- Cover edge cases, error conditions and boundary values
- Keep tests isolated from each other
- Write clear test names

YOUR PROHIBITIONS:
- DO NOT modify production code
- DO NOT write tests that depend on execution order
- DO NOT skip error paths`,

	workflow.SpecialistRefactorer: `You are a specialist CODE REFACTORER. Improve structure without changing behavior.

YOUR OBLIGATIONS:
- Keep every existing test passing
- Reduce complexity and improve naming
- Record the reason for each structural change

YOUR PROHIBITIONS:
- DO NOT add features or change functionality
- DO NOT change public API signatures
- DO NOT introduce new dependencies`,

	workflow.SpecialistDocWriter: `You are a specialist DOCUMENTATION WRITER. Produce clear documentation that matches the code.

YOUR OBLIGATIONS:
- Document public APIs
- Include usage examples for non-trivial functions
- Verify every statement against the code

YOUR PROHIBITIONS:
- DO NOT modify code files
- DO NOT change test files
- DO NOT alter configuration files`,
}

const genericPreamble = "You are a versatile software engineer. Complete the assigned task following project conventions."

// Preamble returns the system text for a specialist, or the generic worker
// text when s is empty or unknown.
func Preamble(s workflow.Specialist) string {
	if p, ok := specialistPreambles[s]; ok {
		return p
	}
	return genericPreamble
}

// Deontic renders a persona's obligations, permissions and prohibitions.
// Empty sections are omitted.
func Deontic(p workflow.Persona) string {
	var sections []string
	add := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		sections = append(sections, title+"\n- "+strings.Join(items, "\n- "))
	}
	add("YOU MUST:", p.Obligations)
	add("YOU MAY:", p.Permissions)
	add("YOU MUST NOT:", p.Prohibitions)
	return strings.Join(sections, "\n\n")
}

// BuildPrompt assembles the full prompt for an assignment.
func BuildPrompt(a Assignment) string {
	var sb strings.Builder
	section := func(title, body string) {
		if body == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if title != "" {
			sb.WriteString("## ")
			sb.WriteString(title)
			sb.WriteString("\n")
		}
		sb.WriteString(body)
	}

	section("", Preamble(a.Persona.Specialist))
	section("", Deontic(a.Persona))
	section("Task", a.Goal)
	if len(a.Inputs) > 0 {
		section("Inputs", "- "+strings.Join(a.Inputs, "\n- "))
	}
	if len(a.Outputs) > 0 {
		section("Required outputs", "- "+strings.Join(a.Outputs, "\n- "))
	}
	section("Context", a.Context)
	section("Reviewer feedback from previous attempt", a.Feedback)
	section("Coordination notes", a.BeliefContext)
	return sb.String()
}
