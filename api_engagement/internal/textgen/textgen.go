// Package textgen writes short comment and quote text for automated accounts.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"vibeslop/api_engagement/internal/actors"
	"vibeslop/api_engagement/internal/models"
	"vibeslop/pkg/llm"
)

// MaxLength is the longest text returned, in characters.
const MaxLength = 280

// maxExcerpt bounds how much of the content body goes into a prompt.
const maxExcerpt = 1200

var ErrEmpty = errors.New("generated text is empty")

type Generator struct {
	provider llm.Provider
	timeout  time.Duration
}

func New(provider llm.Provider, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Generator{provider: provider, timeout: timeout}
}

func (g *Generator) GenerateComment(ctx context.Context, content models.Content, persona actors.Persona) (string, error) {
	return g.generate(ctx, persona, fmt.Sprintf(
		"Write a reply to this %s. Reply with the comment text only.\n\n%s",
		content.Type, excerpt(content.Body)))
}

func (g *Generator) GenerateQuote(ctx context.Context, persona actors.Persona, content models.Content) (string, error) {
	return g.generate(ctx, persona, fmt.Sprintf(
		"Write a short post that shares this %s with your followers and says why it is worth their time. Reply with the post text only.\n\n%s",
		content.Type, excerpt(content.Body)))
}

func (g *Generator) generate(ctx context.Context, persona actors.Persona, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := llm.CompleteText(ctx, g.provider, []llm.Message{
		{Role: "system", Content: systemPrompt(persona)},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	text = Clean(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

func systemPrompt(persona actors.Persona) string {
	return fmt.Sprintf(
		"You are a regular member of a community for sharing creative work. Your tone is %s. "+
			"Keep it under %d characters, no hashtags, no emoji spam, never mention being automated.",
		persona.Params().Voice, MaxLength)
}

// Clean trims whitespace and wrapping quotes, folds line breaks and caps
// the result at MaxLength characters, cutting at a word boundary when one
// is close.
func Clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, "\"'“”")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxLength {
		return s
	}
	runes := []rune(s)[:MaxLength]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

func excerpt(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= maxExcerpt {
		return body
	}
	return string([]rune(body)[:maxExcerpt]) + "…"
}
