// Package generation produces persona replies from a conversation history
// through an OpenAI-compatible chat completion endpoint.
package generation

import (
	"context"
	"fmt"
	"strings"
)

// Roles accepted in a message history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Persona describes who the reply is written as.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	SystemPrompt string `json:"-"`
}

// Request asks for the next reply of PersonaID given History.
type Request struct {
	PersonaID      string
	History        []Message
	TargetLanguage string
}

// Result is a generated reply and the persona that wrote it.
type Result struct {
	Text    string
	Persona Persona
	Model   string
}

// Generator produces replies. Implementations classify failures with
// TransientError and FatalError.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Catalogue resolves persona ids.
type Catalogue struct {
	byID map[string]Persona
}

// NewCatalogue indexes personas by id.
func NewCatalogue(personas ...Persona) *Catalogue {
	c := &Catalogue{byID: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		c.byID[p.ID] = p
	}
	return c
}

// Lookup returns the persona with id.
func (c *Catalogue) Lookup(id string) (Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Len returns the number of personas.
func (c *Catalogue) Len() int { return len(c.byID) }

// systemPrompt builds the instruction that frames the persona.
func systemPrompt(p Persona, targetLanguage string) string {
	var b strings.Builder
	if p.SystemPrompt != "" {
		b.WriteString(p.SystemPrompt)
	} else {
		fmt.Fprintf(&b, "You are %s.", p.Name)
		if p.Description != "" {
			fmt.Fprintf(&b, " %s.", strings.TrimSuffix(p.Description, "."))
		}
		b.WriteString(" Stay in character and reply to the latest message.")
	}
	if targetLanguage != "" {
		fmt.Fprintf(&b, "\nReply only in this language: %s.", targetLanguage)
	}
	return b.String()
}
