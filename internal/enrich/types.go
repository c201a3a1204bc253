package enrich

import (
	"context"
	"strings"
)

// Owner is the structured answer of a fallback resolver: the business owner's name
// and their title at the business. Both are empty when the text names no owner.
type Owner struct {
	Name  string `json:"owner"`
	Title string `json:"title"`
}

// IsEmpty reports whether no owner was found.
func (o Owner) IsEmpty() bool {
	return strings.TrimSpace(o.Name) == ""
}

// Raw renders the owner the way business profiles list contacts ("Name, Title").
func (o Owner) Raw() string {
	name := strings.TrimSpace(o.Name)
	title := strings.TrimSpace(o.Title)
	if name == "" {
		return ""
	}
	if title == "" {
		return name
	}
	return name + ", " + title
}

// OwnerResolver extracts at most one owner from free page text.
//
// It is used only when a profile page carries no structured contact markup.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, text string) (Owner, error)
}

// ResolverFunc adapts a function to the OwnerResolver interface.
type ResolverFunc func(ctx context.Context, text string) (Owner, error)

func (f ResolverFunc) ResolveOwner(ctx context.Context, text string) (Owner, error) {
	return f(ctx, text)
}

// Prompt is the instruction shared by the model-backed resolvers.
func Prompt(text string) string {
	return strings.TrimSpace(`
You extract business ownership from web page text.

Return ONLY a single JSON object with these keys:
- owner (string; the full name of the business owner or principal)
- title (string; their role, e.g. "Owner", "President")

Rules:
- If the text names no owner, set both fields to an empty string.
- Do not include extra keys or commentary.

Page text:
`) + "\n" + text
}
