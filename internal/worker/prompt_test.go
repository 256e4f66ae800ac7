package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/darkfactory/internal/workflow"
)

func TestPreamble(t *testing.T) {
	assert.Contains(t, Preamble(workflow.SpecialistTester), "TEST WRITER")
	assert.Contains(t, Preamble(workflow.SpecialistDocWriter), "DOCUMENTATION WRITER")
	assert.Equal(t, genericPreamble, Preamble(""))
	assert.Equal(t, genericPreamble, Preamble("astronaut"))
}

func TestDeontic(t *testing.T) {
	p := workflow.Persona{
		Obligations:  []string{"write tests"},
		Prohibitions: []string{"touch vendor/", "push to main"},
	}
	assert.Equal(t,
		"YOU MUST:\n- write tests\n\nYOU MUST NOT:\n- touch vendor/\n- push to main",
		Deontic(p))
	assert.Empty(t, Deontic(workflow.Persona{}))
}

func TestBuildPrompt(t *testing.T) {
	a := Assignment{
		Goal:          "add a rate limiter",
		Persona:       workflow.Persona{Specialist: workflow.SpecialistCoder, Permissions: []string{"edit internal/"}},
		Inputs:        []string{"internal/api/server.go"},
		Outputs:       []string{"internal/api/limiter.go"},
		Context:       "The API uses chi.",
		Feedback:      "handle burst",
		BeliefContext: "1 belief conflict(s) detected",
	}
	got := BuildPrompt(a)

	order := []string{
		"CODE IMPLEMENTER",
		"YOU MAY:\n- edit internal/",
		"## Task\nadd a rate limiter",
		"## Inputs\n- internal/api/server.go",
		"## Required outputs\n- internal/api/limiter.go",
		"## Context\nThe API uses chi.",
		"## Reviewer feedback from previous attempt\nhandle burst",
		"## Coordination notes\n1 belief conflict(s) detected",
	}
	last := -1
	for _, want := range order {
		idx := strings.Index(got, want)
		assert.Greater(t, idx, last, "section %q out of order", want)
		last = idx
	}
}

func TestBuildPrompt_OmitsEmptySections(t *testing.T) {
	got := BuildPrompt(Assignment{Goal: "g"})
	assert.NotContains(t, got, "## Context")
	assert.NotContains(t, got, "YOU MUST")
	assert.True(t, strings.HasSuffix(got, "## Task\ng"))
}
