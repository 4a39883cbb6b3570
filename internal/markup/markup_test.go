package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCount_Lists(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"none", "Just prose.\n\nMore prose.", 0},
		{"one run", "Intro:\n\n- a\n- b\n- c", 1},
		{"loose run", "- a\n\n- b\n\n- c", 1},
		{"two runs", "- a\n- b\n\nBreak.\n\n1. x\n2. y", 2},
		{"html items on lines", "<ul>\n<li>a</li>\n<li>b</li>\n</ul>", 1},
		{"inline html list", "<ul><li>a</li><li>b</li></ul>", 1},
		{"nested html list", "<ul><li>a<ol><li>b</li></ol></li></ul>", 1},
		{"fenced", "```\n- not\n- a list\n```", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Count(tt.content).Lists)
		})
	}
}

func TestCount_TablesImagesHeadings(t *testing.T) {
	content := "## Compare\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n<table><tr><td>x</td></tr></table>\n\n" +
		"![chart](c.png)\n[IMAGE: a diagram]\n<img src=\"x.png\">\n\n### Detail\n\n<h3>Also</h3>"
	c := Count(content)
	assert.Equal(t, 2, c.Tables)
	assert.Equal(t, 3, c.Images)
	assert.Equal(t, 1, c.Headings[2])
	assert.Equal(t, 2, c.Headings[3])
	assert.Equal(t, 3, c.HeadingTotal())
}

func TestMeasure(t *testing.T) {
	prose, structured := Measure("## H\n\nabcde\n\n- xy\n| a |")
	assert.Equal(t, 5, prose)
	assert.Equal(t, 4+5, structured)
}

func TestShortcuts(t *testing.T) {
	assert.True(t, HasList("* item"))
	assert.False(t, HasTable("a | b"))
	assert.True(t, HasImage("see [IMAGE: flow]"))
}
