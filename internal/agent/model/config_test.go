package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpensiveModelConfig_Judge(t *testing.T) {
	cfg := ExpensiveModelConfig{APIKey: "k", Model: "gemini-2.5-flash", MaxTokens: 2000}

	_, ok := cfg.Judge()
	assert.False(t, ok)

	cfg.JudgeModel = cfg.Model
	_, ok = cfg.Judge()
	assert.False(t, ok, "same model judges through the expensive completer")

	cfg.JudgeModel = "gemini-2.5-flash-lite"
	j, ok := cfg.Judge()
	assert.True(t, ok)
	assert.Equal(t, "gemini-2.5-flash-lite", j.Model)
	assert.Equal(t, "k", j.APIKey)
	assert.Equal(t, 2000, j.MaxTokens)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model)
}
