package tracking

import "strings"

var botPatterns = []string{
	"bot", "crawler", "spider", "slurp", "googlebot", "bingbot",
	"yahoo", "baidu", "yandex", "preview", "proxy", "scanner",
}

// IsBot reports whether a user agent looks like an automated scanner or a
// link-preview proxy. Bot opens are served the pixel but not recorded, so
// mailbox-provider prefetching does not inflate open counts.
func IsBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, pattern := range botPatterns {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
