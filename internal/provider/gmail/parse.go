package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	gmailapi "google.golang.org/api/gmail/v1"

	"mailpilot/internal/model"
	"mailpilot/internal/provider"
)

// convertMessage maps a full-format Gmail message onto the domain model.
func convertMessage(m *gmailapi.Message) model.Message {
	msg := model.Message{
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		Snippet:           m.Snippet,
		Labels:            m.LabelIds,
		IsRead:            true,
		ReceivedAt:        time.UnixMilli(m.InternalDate).UTC(),
	}

	for _, label := range m.LabelIds {
		switch label {
		case labelUnread:
			msg.IsRead = false
		case labelStarred:
			msg.IsStarred = true
		}
	}

	if m.Payload == nil {
		return msg
	}

	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			msg.Subject = decodeHeader(h.Value)
		case "from":
			msg.From = decodeHeader(h.Value)
		case "to":
			msg.To = addressList(h.Value)
		case "cc":
			msg.Cc = addressList(h.Value)
		case "message-id":
			msg.InternetMessageID = h.Value
		}
	}

	walkParts(m.Payload, &msg)
	return msg
}

func walkParts(part *gmailapi.MessagePart, msg *model.Message) {
	if part.Filename != "" {
		msg.HasAttachments = true
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		mimeType := strings.ToLower(part.MimeType)
		switch {
		case strings.HasPrefix(mimeType, "text/plain") && msg.BodyText == "":
			msg.BodyText = decodeBody(part.Body.Data, partCharset(part))
		case strings.HasPrefix(mimeType, "text/html") && msg.BodyHTML == "":
			msg.BodyHTML = decodeBody(part.Body.Data, partCharset(part))
		}
	}

	for _, child := range part.Parts {
		walkParts(child, msg)
	}
}

var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// decodeBody accepts base64url with or without padding and converts the
// part's charset to UTF-8.
func decodeBody(data, cs string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return cleanText(toUTF8(b, cs))
}

func decodeHeader(value string) string {
	if decoded, err := wordDecoder.DecodeHeader(value); err == nil {
		value = decoded
	}
	return cleanText(value)
}

// partCharset reads charset= from the part's own Content-Type header.
func partCharset(part *gmailapi.MessagePart) string {
	for _, h := range part.Headers {
		if !strings.EqualFold(h.Name, "Content-Type") {
			continue
		}
		_, params, err := mime.ParseMediaType(h.Value)
		if err != nil {
			return ""
		}
		return params["charset"]
	}
	return ""
}

func toUTF8(b []byte, cs string) string {
	switch strings.ToLower(strings.TrimSpace(cs)) {
	case "", "utf-8", "utf8", "us-ascii":
		return string(b)
	}
	r, err := charset.Reader(cs, bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// cleanText guarantees a value PostgreSQL TEXT accepts.
func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.ToValidUTF8(s, "\uFFFD")
}

// addressList returns bare addresses; unparsable headers fall back to a comma split.
func addressList(value string) []string {
	parsed, err := mail.ParseAddressList(value)
	if err == nil {
		out := make([]string, 0, len(parsed))
		for _, addr := range parsed {
			out = append(out, addr.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildMIME renders a plain-text RFC 5322 reply.
func buildMIME(msg provider.OutgoingMessage) ([]byte, error) {
	if len(msg.To) == 0 {
		return nil, fmt.Errorf("gmail: reply has no recipients")
	}

	to := make([]*mail.Address, 0, len(msg.To))
	for _, raw := range msg.To {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("gmail: bad recipient %q: %w", raw, err)
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
		refs := msg.References
		if refs == "" {
			refs = msg.InReplyTo
		}
		h.Set("References", refs)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("gmail: create mime writer: %w", err)
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("gmail: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gmail: close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}
