package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	done  chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
	n.done <- struct{}{}
	return nil
}

func newTestService(t *testing.T, notifier Notifier) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Notifier: notifier})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return service
}

func TestCreateIssuesDistinctConversationsAndTokens(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	first, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	second, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if first.ConversationUUID == second.ConversationUUID {
		t.Fatalf("conversation uuids must be distinct")
	}
	if first.BearerToken == second.BearerToken {
		t.Fatalf("bearer tokens must be distinct")
	}
	if len(first.BearerToken) != bearerTokenBytes*2 {
		t.Fatalf("expected %d hex chars, got %d", bearerTokenBytes*2, len(first.BearerToken))
	}
}

func TestAuthorizeRejectsForeignToken(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	conversationA, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	conversationB, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if err := service.Authorize(ctx, conversationA.ConversationUUID, conversationA.BearerToken); err != nil {
		t.Fatalf("own token should authorize: %v", err)
	}
	if err := service.Authorize(ctx, conversationA.ConversationUUID, conversationB.BearerToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign token must be rejected, got %v", err)
	}
	if err := service.Authorize(ctx, "no-such-conversation", conversationA.BearerToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendRequiresMessageAndContactOrPrincipal(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	conversation, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	cases := []AppendRequest{
		{},
		{Body: "hi"},
		{Body: "hi", Name: "Ada"},
		{Name: "Ada", Email: "a@b.c"},
		{Body: " ", Name: "Ada", Email: "a@b.c"},
	}
	for _, request := range cases {
		if _, err := service.Append(ctx, conversation.ConversationUUID, request); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected validation error for %+v, got %v", request, err)
		}
	}

	if _, err := service.Append(ctx, conversation.ConversationUUID, AppendRequest{
		Body: "hi", Name: "Ada", Phone: "+15555550100",
	}); err != nil {
		t.Fatalf("name plus phone should be accepted: %v", err)
	}
	if _, err := service.Append(ctx, conversation.ConversationUUID, AppendRequest{
		Body: "hi", Principal: "user-123",
	}); err != nil {
		t.Fatalf("authenticated principal should waive contact info: %v", err)
	}
}

func TestListReturnsMessagesInOrderAndFiltersSince(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			current = current.Add(time.Minute)
			return current
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	ctx := context.Background()
	conversation, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	for _, body := range []string{"first", "second", "third"} {
		if _, err := service.Append(ctx, conversation.ConversationUUID, AppendRequest{
			Body: body, Name: "Ada", Email: "ada@example.com",
		}); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	all, err := service.List(ctx, conversation.ConversationUUID, nil)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(all) != 3 || all[0].Body != "first" || all[2].Body != "third" {
		t.Fatalf("expected ordered messages, got %+v", all)
	}

	since := all[0].Timestamp
	later, err := service.List(ctx, conversation.ConversationUUID, &since)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(later) != 2 || later[0].Body != "second" {
		t.Fatalf("expected messages after the cutoff, got %+v", later)
	}
}

func TestAppendFiresNotification(t *testing.T) {
	notifier := newRecordingNotifier()
	service := newTestService(t, notifier)
	ctx := context.Background()

	conversation, err := service.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if _, err := service.Append(ctx, conversation.ConversationUUID, AppendRequest{
		Body: "ping", Name: "Ada", Email: "ada@example.com",
	}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	select {
	case <-notifier.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the notifier to fire")
	}
}
