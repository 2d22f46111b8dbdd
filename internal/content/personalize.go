package content

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/mailpipe/internal/pkg/logger"
)

// Personalizer renders Liquid merge tags in subjects and block content.
// It runs once per dispatch with a campaign-level context, before the
// per-recipient tracking pass, so personalization never introduces
// per-recipient differences outside the tracking parameters.
type Personalizer struct {
	engine *liquid.Engine
	cache  sync.Map // template source → *liquid.Template
}

// NewPersonalizer creates a Personalizer with the email-specific filters
// registered.
func NewPersonalizer() *Personalizer {
	p := &Personalizer{engine: liquid.NewEngine()}
	p.registerFilters()
	return p
}

func (p *Personalizer) registerFilters() {
	// Fallback value: {{ company | default: "our team" }}
	p.engine.RegisterFilter("default", func(value any, defaultVal string) any {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// URL encode: {{ promo_code | urlencode }}
	p.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	p.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Capitalize first letter: {{ name | capitalize }}
	p.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})
}

// Render processes one template string with the given context. Render is
// lax: on parse or render errors the original text is returned so a bad
// merge tag never blocks a send.
func (p *Personalizer) Render(src string, ctx map[string]any) string {
	if src == "" || !strings.Contains(src, "{") {
		return src
	}

	var tpl *liquid.Template
	if cached, ok := p.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := p.engine.ParseString(src)
		if err != nil {
			logger.Warn("template parse failed", "error", err)
			return src
		}
		p.cache.Store(src, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		logger.Warn("template render failed", "error", err)
		return src
	}
	return out
}

// RenderBlocksWith renders the content of each block through Render,
// returning a new slice. Block order, IDs, and types are preserved.
func (p *Personalizer) RenderBlocksWith(blocks []ContentBlock, ctx map[string]any) []ContentBlock {
	if len(blocks) == 0 || len(ctx) == 0 {
		return blocks
	}
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		b.Content = p.Render(b.Content, ctx)
		out[i] = b
	}
	return out
}
