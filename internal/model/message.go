package model

import "time"

type Category string

const (
	CategoryUrgent         Category = "urgent"
	CategoryActionRequired Category = "action_required"
	CategoryPersonal       Category = "personal"
	CategoryWork           Category = "work"
	CategoryFYI            Category = "fyi"
	CategoryNewsletter     Category = "newsletter"
	CategoryReceipt        Category = "receipt"
	CategoryPromotional    Category = "promotional"
	CategoryNotification   Category = "notification"
	CategoryUncategorized  Category = "uncategorized"
)

// Categories is the classifier vocabulary, most urgent first.
var Categories = []Category{
	CategoryUrgent,
	CategoryActionRequired,
	CategoryPersonal,
	CategoryWork,
	CategoryFYI,
	CategoryNewsletter,
	CategoryReceipt,
	CategoryPromotional,
	CategoryNotification,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return c == CategoryUncategorized
}

// Message is one ingested email. (AccountID, ProviderMessageID) is unique.
type Message struct {
	ID                int64
	AccountID         int64
	ProviderMessageID string
	ThreadID          string
	InternetMessageID string
	Subject           string
	From              string
	To                []string
	Cc                []string
	Snippet           string
	ReceivedAt        time.Time
	IsRead            bool
	IsStarred         bool
	HasAttachments    bool
	Labels            []string
	Category          Category
	Priority          int
	Summary           string
	BodyText          string
	BodyHTML          string
}
