package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"

	"mailpilot/internal/provider"
)

type fakeGmail struct {
	mu       sync.Mutex
	requests []string
	modify   []gmailapi.ModifyMessageRequest
	handlers map[string]http.HandlerFunc
}

func newFakeGmail(t *testing.T) (*fakeGmail, *Adapter) {
	t.Helper()
	f := &fakeGmail{handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		h, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	a := New(Config{ClientID: "cid", ClientSecret: "secret", RedirectURL: "http://localhost/cb"}, zap.NewNop(),
		WithHTTPClient(srv.Client()),
		WithEndpoints(srv.URL+"/", oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}),
	)
	return f, a
}

func (f *fakeGmail) on(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers["/gmail/v1/users/me/"+path] = h
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func encodeBody(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func fullMessage(id, subject string) map[string]any {
	return map[string]any{
		"id":           id,
		"threadId":     "thread-" + id,
		"labelIds":     []string{"INBOX", "UNREAD"},
		"snippet":      "snippet " + id,
		"internalDate": "1700000000000",
		"payload": map[string]any{
			"mimeType": "multipart/alternative",
			"headers": []map[string]string{
				{"name": "Subject", "value": subject},
				{"name": "From", "value": "Alice <alice@example.com>"},
				{"name": "To", "value": "me@example.com, Bob <bob@example.com>"},
				{"name": "Message-ID", "value": "<" + id + "@mail.example.com>"},
			},
			"parts": []map[string]any{
				{"mimeType": "text/plain", "body": map[string]any{"data": encodeBody("plain " + id)}},
				{"mimeType": "text/html", "body": map[string]any{"data": encodeBody("<p>html</p>")}},
			},
		},
	}
}

func (f *fakeGmail) serveMessages(ids ...string) {
	for _, id := range ids {
		id := id
		f.on("messages/"+id, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, fullMessage(id, "subject "+id))
		})
	}
}

func TestIncrementalSync_DeduplicatesAndAdvancesCursor(t *testing.T) {
	f, a := newFakeGmail(t)
	f.on("history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("startHistoryId"))
		writeJSON(w, map[string]any{
			"historyId": "180",
			"history": []map[string]any{
				{"id": "101", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "m1"}}}},
				{"id": "102", "messagesAdded": []map[string]any{
					{"message": map[string]any{"id": "m1"}},
					{"message": map[string]any{"id": "m2"}},
				}},
			},
		})
	})
	f.serveMessages("m1", "m2")

	res, err := a.IncrementalSync(context.Background(), "access", "100")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, "180", res.Cursor)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "m1", res.Messages[0].ProviderMessageID)
	assert.Equal(t, "m2", res.Messages[1].ProviderMessageID)
}

func TestIncrementalSync_ExpiredCursorIsStale(t *testing.T) {
	_, a := newFakeGmail(t)

	res, err := a.IncrementalSync(context.Background(), "access", "42")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "42", res.Cursor)
	assert.Empty(t, res.Messages)
}

func TestIncrementalSync_GarbageCursorIsStale(t *testing.T) {
	_, a := newFakeGmail(t)

	res, err := a.IncrementalSync(context.Background(), "access", "not-a-number")
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

func TestInitialSync_PagesAndSkipsVanishedMessages(t *testing.T) {
	f, a := newFakeGmail(t)
	since := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	f.on("profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"emailAddress": "me@example.com", "historyId": "555"})
	})
	f.on("messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "after:1788220800", r.URL.Query().Get("q"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]any{
				"messages":      []map[string]string{{"id": "a"}, {"id": "gone"}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, map[string]any{"messages": []map[string]string{{"id": "b"}}})
	})
	f.serveMessages("a", "b")

	res, err := a.InitialSync(context.Background(), "access", since)
	require.NoError(t, err)
	assert.Equal(t, "555", res.Cursor)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "a", res.Messages[0].ProviderMessageID)
	assert.Equal(t, "b", res.Messages[1].ProviderMessageID)
}

func TestArchive_RemovesInboxLabel(t *testing.T) {
	f, a := newFakeGmail(t)
	f.on("messages/m9/modify", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req gmailapi.ModifyMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.modify = append(f.modify, req)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "m9"})
	})

	require.NoError(t, a.Archive(context.Background(), "tok", "m9"))
	require.Len(t, f.modify, 1)
	assert.Equal(t, []string{"INBOX"}, f.modify[0].RemoveLabelIds)
	assert.Empty(t, f.modify[0].AddLabelIds)
}

func TestTrash_UsesTrashEndpoint(t *testing.T) {
	f, a := newFakeGmail(t)
	f.on("messages/m9/trash", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, map[string]any{"id": "m9", "labelIds": []string{"TRASH"}})
	})

	require.NoError(t, a.Trash(context.Background(), "tok", "m9"))
	assert.Error(t, a.Trash(context.Background(), "tok", "missing"))
}

func TestSendDraft_PostsRawMessageInThread(t *testing.T) {
	f, a := newFakeGmail(t)
	var got gmailapi.Message
	f.on("messages/send", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"id": "sent-42"})
	})

	id, err := a.SendDraft(context.Background(), "tok", provider.OutgoingMessage{
		To:        []string{"Alice <alice@example.com>"},
		Subject:   "Re: Budget",
		Body:      "Sounds good.",
		ThreadID:  "thread-7",
		InReplyTo: "<orig@mail.example.com>",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-42", id)
	assert.Equal(t, "thread-7", got.ThreadId)

	raw, err := base64.URLEncoding.DecodeString(got.Raw)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "In-Reply-To: <orig@mail.example.com>")
}

func TestRefreshAccessToken_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f, a := newFakeGmail(t)
	f.mu.Lock()
	f.handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		writeJSON(w, map[string]any{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600})
	}
	f.mu.Unlock()

	creds, err := a.RefreshAccessToken(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.AccessToken)
	assert.Equal(t, "r-1", creds.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.Expiry, time.Minute)
}

func TestGetAuthURL_RequestsOfflineConsent(t *testing.T) {
	_, a := newFakeGmail(t)
	u := a.GetAuthURL("state-abc")
	assert.Contains(t, u, "state=state-abc")
	assert.Contains(t, u, "access_type=offline")
	assert.Contains(t, u, "prompt=consent")
}

func TestConvertMessage(t *testing.T) {
	raw := &gmailapi.Message{
		Id:           "x1",
		ThreadId:     "t1",
		LabelIds:     []string{"INBOX", "STARRED"},
		InternalDate: 1700000000000,
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "subject", Value: "Invoice"},
				{Name: "From", Value: "Billing <billing@shop.com>"},
				{Name: "Cc", Value: "a@x.com, b@y.com"},
			},
			Parts: []*gmailapi.MessagePart{
				{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: strings.TrimRight(encodeBody("hello"), "=")}},
				{MimeType: "application/pdf", Filename: "invoice.pdf", Body: &gmailapi.MessagePartBody{AttachmentId: "att"}},
			},
		},
	}

	msg := convertMessage(raw)
	assert.Equal(t, "Invoice", msg.Subject)
	assert.Equal(t, "Billing <billing@shop.com>", msg.From)
	assert.Equal(t, []string{"a@x.com", "b@y.com"}, msg.Cc)
	assert.Equal(t, "hello", msg.BodyText)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsStarred)
	assert.True(t, msg.HasAttachments)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.ReceivedAt)
}

func TestConvertMessage_DecodesLegacyCharsets(t *testing.T) {
	latin1 := base64.RawURLEncoding.EncodeToString([]byte("Caf\xe9 r\xe9sum\xe9 attached\x00"))
	raw := &gmailapi.Message{
		Id: "x2",
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "=?iso-8859-1?q?R=E9sum=E9?="},
				{Name: "From", Value: "=?utf-8?q?Andr=C3=A9?= <andre@example.com>"},
			},
			Parts: []*gmailapi.MessagePart{
				{
					MimeType: "text/plain",
					Headers:  []*gmailapi.MessagePartHeader{{Name: "Content-Type", Value: `text/plain; charset="ISO-8859-1"`}},
					Body:     &gmailapi.MessagePartBody{Data: latin1},
				},
				{
					MimeType: "text/html",
					Body:     &gmailapi.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("<p>bad \xff byte</p>"))},
				},
			},
		},
	}

	msg := convertMessage(raw)
	assert.Equal(t, "Café résumé attached", msg.BodyText)
	assert.Equal(t, "Résumé", msg.Subject)
	assert.Equal(t, "André <andre@example.com>", msg.From)
	assert.True(t, utf8.ValidString(msg.BodyHTML))
	assert.Equal(t, "<p>bad \uFFFD byte</p>", msg.BodyHTML)
}

func TestBuildMIME_RoundTrips(t *testing.T) {
	raw, err := buildMIME(provider.OutgoingMessage{
		To:      []string{"bob@example.com"},
		Subject: "Re: Lunch",
		Body:    "Tuesday works.",
	})
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: Lunch", subject)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Tuesday works.", string(body))
}

func TestBuildMIME_RequiresRecipient(t *testing.T) {
	_, err := buildMIME(provider.OutgoingMessage{Subject: "x"})
	assert.Error(t, err)
}
