package poller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccumulatorAppendsOnlyGrowth(t *testing.T) {
	acc := NewAccumulator("prev")

	acc.Track("prev")
	assert.Empty(t, acc.String())

	acc.Track("prev\nline1")
	acc.Track("prev\nline1")
	acc.Track("prev\nline1")
	assert.Equal(t, "\nline1", acc.String())

	acc.Track("prev\nline1\nline2")
	assert.Equal(t, "\nline1\nline2", acc.String())
}

func TestAccumulatorIgnoresShrinkingOutput(t *testing.T) {
	acc := NewAccumulator("a long baseline")
	acc.Track("short")
	assert.Empty(t, acc.String())
}

func TestCollapsePromptEcho(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"no prompts", "a\nb", "a\nb"},
		{"single prompt", "> x\n1", "> x\n1"},
		{"consecutive prompts keep last", "> a\n> b\n  > c\nout", "  > c\nout"},
		{"separate runs", "> a\n> b\nout\n> c\n> d", "> b\nout\n> d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CollapsePromptEcho(tt.in))
		})
	}
}
