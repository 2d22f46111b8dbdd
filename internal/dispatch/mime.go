package dispatch

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"time"
)

// MessageInput carries everything needed to assemble one recipient's raw
// message.
type MessageInput struct {
	FromAddress     string
	FromName        string
	To              string
	Subject         string
	HTML            string
	UnsubscribeURL  string
	TrackingEnabled bool
}

// BuildMIME assembles an RFC 5322 message with a base64 HTML body. When an
// unsubscribe URL is present it adds the one-click List-Unsubscribe headers
// mailbox providers key on.
func BuildMIME(in MessageInput) []byte {
	var buf bytes.Buffer

	from := in.FromAddress
	if in.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", in.FromName), in.FromAddress)
	}

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", in.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", in.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	if in.TrackingEnabled {
		buf.WriteString("X-Mailpipe-Tracking: enabled\r\n")
	}
	if in.UnsubscribeURL != "" {
		fmt.Fprintf(&buf, "List-Unsubscribe: <%s>\r\n", in.UnsubscribeURL)
		buf.WriteString("List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n")
	}
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: base64\r\n")
	buf.WriteString("\r\n")

	encoded := base64.StdEncoding.EncodeToString([]byte(in.HTML))
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")

	return buf.Bytes()
}
