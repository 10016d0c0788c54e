// ABOUTME: Tests for markdown to WhatsApp markup conversion
// ABOUTME: Table of inline styles, lists, links, code and block elements

package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Olá! Como posso ajudar?", "Olá! Como posso ajudar?"},
		{"bold", "**Total**: R$ 90", "*Total*: R$ 90"},
		{"italic", "isso é *importante*", "isso é _importante_"},
		{"strike", "~~errado~~ certo", "~errado~ certo"},
		{"heading", "# Resumo\n\nTexto", "*Resumo*\n\nTexto"},
		{"bullets", "- Ana\n- Bruno", "- Ana\n- Bruno"},
		{"ordered", "1. um\n2. dois", "1. um\n2. dois"},
		{"link", "[site](https://example.com)", "site (https://example.com)"},
		{"code", "```\nR$ 30 x 3\n```", "```\nR$ 30 x 3\n```"},
		{"soft break", "linha1\nlinha2", "linha1\nlinha2"},
		{"paragraphs", "a\n\n\n\nb", "a\n\nb"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatText(tt.in))
		})
	}
}
