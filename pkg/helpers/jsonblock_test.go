package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFencedBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, ExtractFencedBlock("here:\n```json\n{\"a\":1}\n```\nthanks"))
	assert.Equal(t, "plain", ExtractFencedBlock("```\nplain\n```"))
	assert.Equal(t, "", ExtractFencedBlock("no fence"))
	assert.Equal(t, "", ExtractFencedBlock("```unterminated"))
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"score": 0.8}`, ExtractJSONObject(`Sure. {"score": 0.8} Done.`))
	assert.Equal(t, `{"x":{"y":2}}`, ExtractJSONObject("```json\n{\"x\":{\"y\":2}}\n```"))
	assert.Equal(t, "", ExtractJSONObject("nothing here"))
}
