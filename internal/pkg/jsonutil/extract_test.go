package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"action":"BUY"}`, `{"action":"BUY"}`, true},
		{"fenced", "Here you go:\n```json\n{\"action\":\"SELL\",\"note\":\"a } brace\"}\n```\nthanks", `{"action":"SELL","note":"a } brace"}`, true},
		{"prose", `I think {"action":"HOLD","confidence":0.4} is right`, `{"action":"HOLD","confidence":0.4}`, true},
		{"unbalanced", `{"action":"BUY"`, "", false},
		{"empty", "   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractArray(t *testing.T) {
	got, ok := ExtractArray("```\n[1,[2,3]]\n```")
	assert.True(t, ok)
	assert.Equal(t, "[1,[2,3]]", got)
}
