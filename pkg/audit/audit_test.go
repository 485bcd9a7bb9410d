package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLogChain(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	first, err := l.Append(ctx, Event{Type: EventAssessmentCreated, Actor: "classifier"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.Hash)
	assert.Empty(t, first.PrevHash, "genesis event has no predecessor")

	second, err := l.Append(ctx, Event{Type: EventProtocolStarted, Actor: "executor"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)

	assert.Equal(t, -1, l.Verify(), "intact chain must verify clean")
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Event{
			Type:    EventProtocolTransition,
			Actor:   "executor",
			Payload: map[string]any{"seq": i},
		})
		require.NoError(t, err)
	}

	events := l.Events()
	require.Equal(t, -1, VerifyChain(events))

	// Retroactive payload edit breaks the chain at the edited event.
	events[2].Payload["seq"] = 99
	assert.Equal(t, 2, VerifyChain(events))

	// Dropping an event breaks it at the gap.
	events = l.Events()
	cut := append(events[:1:1], events[2:]...)
	assert.Equal(t, 1, VerifyChain(cut))
}

func TestRedactPayload(t *testing.T) {
	payload := map[string]any{
		"text":          "i want to hurt myself",
		"Message":       "free text here",
		"assessment_id": "a-123",
		"count":         3,
	}
	out := RedactPayload(payload)

	assert.Contains(t, out["text"], "sha256:")
	assert.Contains(t, out["Message"], "sha256:", "redaction is case-insensitive on keys")
	assert.Equal(t, "a-123", out["assessment_id"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "i want to hurt myself", payload["text"], "input map must not be mutated")
	assert.Nil(t, RedactPayload(nil))
}

func TestAppendRedactsBeforeHashing(t *testing.T) {
	l := NewMemoryLog()
	ev, err := l.Append(context.Background(), Event{
		Type:    EventAssessmentCreated,
		Actor:   "classifier",
		Payload: map[string]any{"text": "raw free text"},
	})
	require.NoError(t, err)
	assert.Contains(t, ev.Payload["text"], "sha256:")
	assert.Equal(t, -1, l.Verify(), "stored redacted payload must hash consistently")
}

func TestHashSubjectStable(t *testing.T) {
	a := HashSubject("subject-1")
	b := HashSubject("subject-1")
	c := HashSubject("subject-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "subject-1")
	assert.Len(t, a, 64)
}

func TestMemoryLogQuery(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	subj := HashSubject("subject-1")
	_, err := l.Append(ctx, Event{Type: EventAssessmentCreated, SubjectHash: subj})
	require.NoError(t, err)
	_, err = l.Append(ctx, Event{Type: EventProtocolStarted, SubjectHash: subj, InstanceID: "inst-1"})
	require.NoError(t, err)
	_, err = l.Append(ctx, Event{Type: EventAssessmentCreated, SubjectHash: HashSubject("other")})
	require.NoError(t, err)

	got, err := l.Query(ctx, Filter{SubjectHash: subj})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.Query(ctx, Filter{Type: EventProtocolStarted})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inst-1", got[0].InstanceID)

	got, err = l.Query(ctx, Filter{SubjectHash: subj, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = l.Query(ctx, Filter{To: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileLogRecoversChainHead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()

	l, err := OpenFileLog(path)
	require.NoError(t, err)
	first, err := l.Append(ctx, Event{Type: EventAssessmentCreated, Actor: "classifier"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Reopen: the next append must chain onto the recovered head.
	l, err = OpenFileLog(path)
	require.NoError(t, err)
	defer l.Close()

	second, err := l.Append(ctx, Event{Type: EventProtocolStarted, Actor: "executor"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PrevHash)

	events, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, -1, VerifyChain(events))
}
