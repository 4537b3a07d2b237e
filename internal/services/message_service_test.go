package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:msgsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	err = db.AutoMigrate(
		&domain.Property{}, &domain.Visitor{}, &domain.Conversation{},
		&domain.Message{}, &domain.OutboxJob{}, &domain.ExportRecord{},
		&domain.MessageReceipt{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedProperty(t *testing.T, db *gorm.DB, mutate ...func(*domain.Property)) *domain.Property {
	t.Helper()
	p := &domain.Property{
		ID:      uuid.NewString(),
		Name:    "Haven House",
		SiteURL: "https://havenhouse.example.com",
	}
	for _, m := range mutate {
		m(p)
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}
	return p
}

func seedConversation(t *testing.T, db *gorm.DB, p *domain.Property) *domain.Conversation {
	t.Helper()
	v, err := repo.CreateVisitor(context.Background(), db, p.ID, "sess-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("seed visitor: %v", err)
	}
	c, err := repo.CreateConversation(context.Background(), db, p.ID, v.ID)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c
}

func newMessageService(db *gorm.DB) *MessageService {
	return &MessageService{
		DB:           db,
		Triggers:     &TriggerService{},
		ExtractEvery: 3,
	}
}

func pendingJobs(t *testing.T, db *gorm.DB, kind string) []domain.OutboxJob {
	t.Helper()
	var out []domain.OutboxJob
	if err := db.Where("kind = ?", kind).Find(&out).Error; err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	return out
}

// ---------- StartConversation ----------

func TestStartConversation_CreatesVisitorConversationAndFirstMessage(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	s := newMessageService(db)

	conv, msg, err := s.StartConversation(context.Background(), p.ID, "sess-1", "Hi, I need help")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if conv.Status != domain.ConversationPending || !conv.AIEnabled {
		t.Fatalf("new conversation state: status=%s ai=%v", conv.Status, conv.AIEnabled)
	}
	if msg.Seq != 1 || msg.SenderType != domain.SenderVisitor {
		t.Fatalf("first message: seq=%d sender=%s", msg.Seq, msg.SenderType)
	}
}

func TestStartConversation_UnknownProperty(t *testing.T) {
	db := newSvcDB(t)
	s := newMessageService(db)

	_, _, err := s.StartConversation(context.Background(), uuid.NewString(), "sess-1", "hello")
	if err != ErrPropertyNotFound {
		t.Fatalf("err = %v, want ErrPropertyNotFound", err)
	}
}

// ---------- PostVisitorMessage ----------

func TestPostVisitorMessage_SequencesAndEnqueuesExtractionOnCadence(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	for i := 1; i <= 4; i++ {
		msg, err := s.PostVisitorMessage(context.Background(), conv.ID, fmt.Sprintf("message %d", i))
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if msg.Seq != int64(i) {
			t.Fatalf("message %d seq = %d", i, msg.Seq)
		}
	}

	// Cadence is every 3 visitor messages: exactly one job after 4 posts.
	jobs := pendingJobs(t, db, domain.JobLeadExtraction)
	if len(jobs) != 1 {
		t.Fatalf("extraction jobs = %d, want 1", len(jobs))
	}
	if jobs[0].ConversationID == nil || *jobs[0].ConversationID != conv.ID {
		t.Fatalf("job conversation = %v", jobs[0].ConversationID)
	}
}

func TestPostVisitorMessage_RejectsClosedConversation(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	if err := repo.UpdateConversation(context.Background(), db, conv.ID, map[string]any{"status": domain.ConversationClosed}); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := s.PostVisitorMessage(context.Background(), conv.ID, "anyone there?")
	if err != ErrConversationClosed {
		t.Fatalf("err = %v, want ErrConversationClosed", err)
	}
}

func TestPostVisitorMessage_Validation(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)
	s.MaxMessageRunes = 10

	if _, err := s.PostVisitorMessage(context.Background(), conv.ID, "   "); err != ErrEmptyMessage {
		t.Fatalf("empty: %v", err)
	}
	if _, err := s.PostVisitorMessage(context.Background(), conv.ID, strings.Repeat("x", 11)); err != ErrTooLong {
		t.Fatalf("too long: %v", err)
	}
}

// ---------- PostAgentMessage / handoff ----------

func TestPostAgentMessage_FirstMessageEscalates(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db, func(p *domain.Property) { p.ExportOnEscalation = true })
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	msg, err := s.PostAgentMessage(context.Background(), conv.ID, "agent-7", "Hi, taking over from here")
	if err != nil {
		t.Fatalf("PostAgentMessage: %v", err)
	}
	if msg.SenderType != domain.SenderAgent {
		t.Fatalf("sender = %s", msg.SenderType)
	}

	got, err := repo.GetConversation(context.Background(), db, conv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.AIEnabled {
		t.Fatal("AI still enabled after agent takeover")
	}
	if got.Status != domain.ConversationActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.AssignedAgent == nil || *got.AssignedAgent != "agent-7" {
		t.Fatalf("assigned agent = %v", got.AssignedAgent)
	}

	jobs := pendingJobs(t, db, domain.JobCRMExport)
	if len(jobs) != 1 {
		t.Fatalf("export jobs = %d, want 1", len(jobs))
	}
	if !strings.Contains(jobs[0].Payload, domain.ExportAutoEscalation) {
		t.Fatalf("payload = %s", jobs[0].Payload)
	}
}

func TestPostAgentMessage_SecondMessageDoesNotReEscalate(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db, func(p *domain.Property) { p.ExportOnEscalation = true })
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	for i := 0; i < 3; i++ {
		if _, err := s.PostAgentMessage(context.Background(), conv.ID, "agent-7", "still here"); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if jobs := pendingJobs(t, db, domain.JobCRMExport); len(jobs) != 1 {
		t.Fatalf("export jobs = %d, want exactly 1", len(jobs))
	}
}

func TestPostAgentMessage_EscalationRespectsDisabledRule(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db) // ExportOnEscalation false
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	if _, err := s.PostAgentMessage(context.Background(), conv.ID, "agent-1", "hello"); err != nil {
		t.Fatalf("PostAgentMessage: %v", err)
	}
	if jobs := pendingJobs(t, db, domain.JobCRMExport); len(jobs) != 0 {
		t.Fatalf("export jobs = %d, want 0 when rule disabled", len(jobs))
	}
}

func TestPostAgentMessage_DiscardsQueuedReply(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	// Disable AI so the AI reply queues, then re-enable to verify a later
	// takeover clears the queue.
	if _, err := s.PostAgentMessage(context.Background(), conv.ID, "agent-1", "taking over"); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if _, err := s.PostAIReply(context.Background(), conv.ID, "queued answer"); err != nil {
		t.Fatalf("queue reply: %v", err)
	}
	if err := s.SetAIEnabled(context.Background(), conv.ID, "agent-1", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if _, err := s.PostAgentMessage(context.Background(), conv.ID, "agent-2", "back again"); err != nil {
		t.Fatalf("second takeover: %v", err)
	}

	got, _ := repo.GetConversation(context.Background(), db, conv.ID)
	if got.HasQueuedReply() {
		t.Fatal("queued reply survived agent takeover")
	}
}

// ---------- PostAIReply / queue ----------

func TestPostAIReply_DeliversWhileAIEnabled(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	msg, err := s.PostAIReply(context.Background(), conv.ID, "How can I help?")
	if err != nil {
		t.Fatalf("PostAIReply: %v", err)
	}
	if msg == nil || msg.SenderType != domain.SenderAgent {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestPostAIReply_QueuesWhileHumanActive(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	if err := s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false); err != nil {
		t.Fatalf("disable AI: %v", err)
	}
	msg, err := s.PostAIReply(context.Background(), conv.ID, "first draft")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if msg != nil {
		t.Fatalf("queued reply returned message %+v", msg)
	}
	// A newer reply replaces the held one.
	if _, err := s.PostAIReply(context.Background(), conv.ID, "second draft"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, _ := repo.GetConversation(context.Background(), db, conv.ID)
	if !got.HasQueuedReply() || *got.QueuedReplyPreview != "second draft" {
		t.Fatalf("queued preview = %v", got.QueuedReplyPreview)
	}
	if n, _ := repo.CountMessages(context.Background(), db, conv.ID); n != 0 {
		t.Fatalf("messages = %d, want 0 while queued", n)
	}
}

func TestPostAIReply_ReplacementResetsPause(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false)
	s.PostAIReply(context.Background(), conv.ID, "first draft")
	if err := s.PauseQueuedReply(context.Background(), conv.ID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// A newer reply replaces the held one wholesale; the pause belonged to
	// the discarded reply and must not stick to the new one.
	if _, err := s.PostAIReply(context.Background(), conv.ID, "second draft"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, _ := repo.GetConversation(context.Background(), db, conv.ID)
	if got.QueuedReplyPaused {
		t.Fatal("pause survived queue replacement")
	}
	msg, err := s.ReleaseQueuedReply(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if msg.Content != "second draft" {
		t.Fatalf("content = %q", msg.Content)
	}
}

func TestReleaseQueuedReply_DeliversAndClears(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false)
	s.PostAIReply(context.Background(), conv.ID, "held answer")

	msg, err := s.ReleaseQueuedReply(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if msg.Content != "held answer" {
		t.Fatalf("content = %q", msg.Content)
	}
	got, _ := repo.GetConversation(context.Background(), db, conv.ID)
	if got.HasQueuedReply() {
		t.Fatal("queue not cleared after release")
	}
	if _, err := s.ReleaseQueuedReply(context.Background(), conv.ID); err != ErrNoQueuedReply {
		t.Fatalf("second release: %v, want ErrNoQueuedReply", err)
	}
}

func TestReleaseQueuedReply_PausedBlocksDelivery(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false)
	s.PostAIReply(context.Background(), conv.ID, "held")
	if err := s.PauseQueuedReply(context.Background(), conv.ID, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := s.ReleaseQueuedReply(context.Background(), conv.ID); err != ErrQueuePaused {
		t.Fatalf("release while paused: %v, want ErrQueuePaused", err)
	}
	if err := s.PauseQueuedReply(context.Background(), conv.ID, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := s.ReleaseQueuedReply(context.Background(), conv.ID); err != nil {
		t.Fatalf("release after unpause: %v", err)
	}
}

func TestCancelQueuedReply_Discards(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false)
	s.PostAIReply(context.Background(), conv.ID, "held")
	if err := s.CancelQueuedReply(context.Background(), conv.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.ReleaseQueuedReply(context.Background(), conv.ID); err != ErrNoQueuedReply {
		t.Fatalf("release after cancel: %v", err)
	}
	if n, _ := repo.CountMessages(context.Background(), db, conv.ID); n != 0 {
		t.Fatalf("messages = %d after cancel, want 0", n)
	}
}

// ---------- SetAIEnabled ----------

func TestSetAIEnabled_StickyUntilExplicitReEnable(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	if err := s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// AI replies keep queueing, never delivering, until re-enabled.
	for i := 0; i < 3; i++ {
		if _, err := s.PostAIReply(context.Background(), conv.ID, fmt.Sprintf("draft %d", i)); err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
	}
	if n, _ := repo.CountMessages(context.Background(), db, conv.ID); n != 0 {
		t.Fatalf("messages = %d, want 0 while AI disabled", n)
	}

	if err := s.SetAIEnabled(context.Background(), conv.ID, "agent-1", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if msg, err := s.PostAIReply(context.Background(), conv.ID, "live again"); err != nil || msg == nil {
		t.Fatalf("reply after enable: msg=%v err=%v", msg, err)
	}
}

func TestSetAIEnabled_DisableFiresEscalationOnce(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db, func(p *domain.Property) { p.ExportOnEscalation = true })
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false)
	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", false) // no-op
	s.SetAIEnabled(context.Background(), conv.ID, "agent-1", true)

	if jobs := pendingJobs(t, db, domain.JobCRMExport); len(jobs) != 1 {
		t.Fatalf("export jobs = %d, want 1", len(jobs))
	}
}

// ---------- CloseConversation ----------

func TestCloseConversation_FinalExtractionAndEndTrigger(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db, func(p *domain.Property) { p.ExportOnConversationEnd = true })
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	if err := s.CloseConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, _ := repo.GetConversation(context.Background(), db, conv.ID)
	if got.Status != domain.ConversationClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if len(pendingJobs(t, db, domain.JobLeadExtraction)) != 1 {
		t.Fatal("expected one final extraction job")
	}
	jobs := pendingJobs(t, db, domain.JobCRMExport)
	if len(jobs) != 1 || !strings.Contains(jobs[0].Payload, domain.ExportAutoConversation) {
		t.Fatalf("export jobs = %+v", jobs)
	}

	if err := s.CloseConversation(context.Background(), conv.ID); err != ErrConversationClosed {
		t.Fatalf("double close: %v", err)
	}
}

// ---------- Poll / paging ----------

func TestPoll_ReturnsOnlyNewerMessages(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	for i := 1; i <= 5; i++ {
		if _, err := s.PostVisitorMessage(context.Background(), conv.ID, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	msgs, err := s.Poll(context.Background(), conv.ID, 3, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Fatalf("poll result = %+v", msgs)
	}
}

func TestInbox_OrdersByActivity(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	older := seedConversation(t, db, p)
	newer := seedConversation(t, db, p)
	s := newMessageService(db)

	if _, err := s.PostVisitorMessage(context.Background(), older.ID, "bump"); err != nil {
		t.Fatalf("bump: %v", err)
	}
	_ = newer

	convs, total, err := s.Inbox(context.Background(), p.ID, 1, 10)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if total != 2 || len(convs) != 2 {
		t.Fatalf("total=%d len=%d", total, len(convs))
	}
	if convs[0].ID != older.ID {
		t.Fatalf("most recently active first: got %s", convs[0].ID)
	}
}

func TestMessageReceipt_RoundTripAndFirstWriterWins(t *testing.T) {
	db := newSvcDB(t)
	p := seedProperty(t, db)
	conv := seedConversation(t, db, p)
	s := newMessageService(db)

	// No receipt yet: replay is a miss, not an error.
	if msg, err := s.ReplayMessage(context.Background(), conv.ID, "k-1"); err != nil || msg != nil {
		t.Fatalf("expected miss, got msg=%v err=%v", msg, err)
	}

	first, err := s.PostVisitorMessage(context.Background(), conv.ID, "hello")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := s.RecordMessageReceipt(context.Background(), conv.ID, "k-1", first.ID); err != nil {
		t.Fatalf("record receipt: %v", err)
	}

	got, err := s.ReplayMessage(context.Background(), conv.ID, "k-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got == nil || got.ID != first.ID || got.Seq != first.Seq {
		t.Fatalf("replay returned %+v, want message %s", got, first.ID)
	}

	// A second writer with the same key must not displace the stored message.
	second, err := s.PostVisitorMessage(context.Background(), conv.ID, "retry body")
	if err != nil {
		t.Fatalf("post second: %v", err)
	}
	if err := s.RecordMessageReceipt(context.Background(), conv.ID, "k-1", second.ID); err != nil {
		t.Fatalf("duplicate receipt should be swallowed: %v", err)
	}
	got, err = s.ReplayMessage(context.Background(), conv.ID, "k-1")
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("first writer must win: got=%v err=%v", got, err)
	}
}
