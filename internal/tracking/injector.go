// Package tracking makes rendered HTML individually trackable per recipient
// and serves the unauthenticated beacon/redirect endpoints that mail clients
// hit later.
package tracking

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Endpoint paths on the tracking host. Link generation and the HTTP routes
// must agree on these.
const (
	OpenPath        = "/track/open"
	ClickPath       = "/track/click"
	UnsubscribePath = "/track/unsubscribe"
)

// privacyNotice is appended once per message when tracking is enabled.
const privacyNotice = `<div style="font-size:11px;color:#999;margin-top:24px">` +
	`This email uses open and click tracking so we can measure engagement. ` +
	`You can opt out at any time via the unsubscribe link.</div>`

// Injector personalizes a rendered HTML body for one recipient: it rewrites
// every hyperlink through the click redirector and appends the privacy
// notice, an unsubscribe link, and the open beacon at the end of the body.
//
// Rewriting mutates href attribute nodes on a parsed DOM rather than
// pattern-matching markup text, so nested quotes and multiline attributes
// cannot corrupt the document.
type Injector struct {
	// BaseURL is the public tracking host, e.g. "https://t.example.com".
	// It must be reachable by third-party mail clients without auth.
	BaseURL string

	now func() time.Time
}

// NewInjector creates an Injector for the given tracking host.
func NewInjector(baseURL string) *Injector {
	return &Injector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Inject returns a self-contained HTML document unique to the recipient.
// Two recipients of the same message differ only in the encoded recipient
// parameter of the beacon and rewritten link URLs.
func (in *Injector) Inject(html, messageID, recipient string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !isRewritable(href) {
			return
		}
		sel.SetAttr("href", in.ClickURL(messageID, recipient, href))
	})

	body := doc.Find("body")
	body.AppendHtml(privacyNotice)
	body.AppendHtml(fmt.Sprintf(`<div style="font-size:11px;color:#999"><a href="%s">Unsubscribe</a></div>`,
		in.UnsubscribeURL(messageID, recipient)))
	body.AppendHtml(fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="">`,
		in.BeaconURL(messageID, recipient)))

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize html: %w", err)
	}
	return out, nil
}

// BeaconURL builds the open-tracking pixel URL. The t parameter is a
// cache-busting timestamp with no meaning beyond cache defeat.
func (in *Injector) BeaconURL(messageID, recipient string) string {
	return fmt.Sprintf("%s%s?id=%s&r=%s&t=%d",
		in.BaseURL, OpenPath,
		url.QueryEscape(messageID), url.QueryEscape(recipient),
		in.now().UnixNano())
}

// ClickURL builds a tracked redirect URL carrying the original destination
// as a query parameter. The redirect handler must use that parameter, and
// only that parameter, as the redirect target.
func (in *Injector) ClickURL(messageID, recipient, destination string) string {
	return fmt.Sprintf("%s%s?email_id=%s&recipient=%s&url=%s",
		in.BaseURL, ClickPath,
		url.QueryEscape(messageID), url.QueryEscape(recipient),
		url.QueryEscape(destination))
}

// UnsubscribeURL builds the one-click unsubscribe URL for the recipient.
func (in *Injector) UnsubscribeURL(messageID, recipient string) string {
	return fmt.Sprintf("%s%s?email_id=%s&recipient=%s",
		in.BaseURL, UnsubscribePath,
		url.QueryEscape(messageID), url.QueryEscape(recipient))
}

// isRewritable reports whether an href should be routed through the click
// redirector. Only absolute http(s) destinations are rewritten; mailto:,
// fragment, and already-tracked links pass through untouched.
func isRewritable(href string) bool {
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return false
	}
	return !strings.Contains(href, ClickPath) && !strings.Contains(href, UnsubscribePath)
}
