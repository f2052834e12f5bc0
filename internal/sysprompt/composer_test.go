package sysprompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompose_EmptyThreadPromptReturnsBuiltin(t *testing.T) {
	assert.Equal(t, Builtin, Compose(""))
}

func TestCompose_WithThreadPromptConcatenatesBothSections(t *testing.T) {
	got := Compose("Focus only on the billing module.")
	assert.True(t, strings.Contains(got, Builtin))
	assert.True(t, strings.Contains(got, "Focus only on the billing module."))
	assert.True(t, strings.Contains(got, "System (Built-in)"))
	assert.True(t, strings.Contains(got, "Thread Create (Provided By Creator)"))
}
