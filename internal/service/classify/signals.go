package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
)

// sender splits the From header into a lower-cased local part and domain.
func sender(from string) (local, domain string) {
	addr := strings.ToLower(strings.TrimSpace(from))
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = strings.ToLower(parsed.Address)
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// senderName prefers the display name of the From header.
func senderName(from string) string {
	if parsed, err := mail.ParseAddress(from); err == nil {
		if parsed.Name != "" {
			return parsed.Name
		}
		return parsed.Address
	}
	if from == "" {
		return "unknown sender"
	}
	return from
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// containsWord is containsAny on word boundaries: "sale" does not match
// "sales" or "wholesale". Phrase edges that are punctuation ("% off") need no boundary.
func containsWord(s string, needles []string) bool {
	for _, n := range needles {
		for from := 0; from <= len(s)-len(n); {
			i := strings.Index(s[from:], n)
			if i < 0 {
				break
			}
			start, end := from+i, from+i+len(n)
			if boundaryBefore(s, start, n) && boundaryAfter(s, end, n) {
				return true
			}
			from = start + 1
		}
	}
	return false
}

func boundaryBefore(s string, start int, needle string) bool {
	first, _ := utf8.DecodeRuneInString(needle)
	if !isWordRune(first) || start == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(s[:start])
	return !isWordRune(prev)
}

func boundaryAfter(s string, end int, needle string) bool {
	last, _ := utf8.DecodeLastRuneInString(needle)
	if !isWordRune(last) || end == len(s) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(s[end:])
	return !isWordRune(next)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// isReplyOrForward reports a human thread; bulk senders do not reply.
func isReplyOrForward(subject string) bool {
	subject = strings.TrimSpace(subject)
	for _, p := range replyPrefixes {
		if strings.HasPrefix(subject, p) {
			return true
		}
	}
	return false
}

// localMatches reports whether the local part equals or starts with a token,
// so "newsletter" also matches "newsletter-weekly".
func localMatches(local string, tokens []string) bool {
	for _, t := range tokens {
		if local == t || strings.HasPrefix(local, t+"-") || strings.HasPrefix(local, t+".") || strings.HasPrefix(local, t+"_") || strings.HasPrefix(local, t+"+") {
			return true
		}
	}
	return false
}

var (
	unsubscribePhrases = []string{
		"unsubscribe",
		"manage your subscription",
		"manage preferences",
		"email preferences",
		"opt out",
		"opt-out",
		"view this email in your browser",
		"view in browser",
	}

	replyPrefixes = []string{"re:", "re :", "fw:", "fwd:", "aw:", "wg:", "sv:", "tr:"}

	noReplyLocals = []string{"noreply", "no-reply", "donotreply", "do-not-reply", "notifications", "notification"}

	newsletterLocals   = []string{"newsletter", "newsletters", "news", "digest", "updates", "weekly", "editor", "editors", "hello"}
	newsletterDomains  = []string{"substack.com", "mailchimp.com", "beehiiv.com", "buttondown.email", "convertkit.com"}
	newsletterSubjects = []string{"newsletter", "digest", "weekly", "this week in", "issue #", "edition", "roundup"}

	promoLocals   = []string{"offers", "offer", "deals", "deal", "promo", "promos", "promotions", "marketing", "sales", "shop", "store", "rewards"}
	promoSubjects = []string{"% off", "sale", "deal", "discount", "coupon", "promo code", "limited time", "free shipping", "flash sale", "last chance", "save $", "exclusive offer", "ends tonight"}

	receiptLocals   = []string{"receipts", "receipt", "billing", "orders", "order", "payments", "invoice", "invoices", "purchases", "auto-confirm", "shipment-tracking"}
	receiptSubjects = []string{"receipt", "order confirmation", "your order", "order #", "payment received", "payment confirmation", "purchase confirmation", "has shipped", "invoice #", "your invoice"}
	receiptBody     = []string{"order number", "order total", "amount paid", "subtotal", "transaction id", "payment method", "billing address"}
)
