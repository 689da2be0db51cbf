package timeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/convo/internal/domain"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func msg(id string, sec int) domain.Message {
	return domain.Message{ID: id, ConversationID: "c1", SenderRole: domain.RoleCounterpart, Timestamp: base.Add(time.Duration(sec) * time.Second)}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestHistoryThenLiveDuplicates(t *testing.T) {
	r := NewReconciler()
	require.True(t, r.Seed([]domain.Message{msg("1", 10), msg("2", 20)}))

	assert.Equal(t, 0, r.Merge(msg("2", 20)))
	assert.Equal(t, 1, r.Merge(msg("3", 30)))

	assert.Equal(t, []string{"1", "2", "3"}, ids(r.Messages()))
}

func TestSeedSortsAndKeepsEarlyLiveMessages(t *testing.T) {
	r := NewReconciler()
	r.Merge(msg("live", 25))

	r.Seed([]domain.Message{msg("b", 20), msg("a", 10), msg("c", 30)})

	assert.Equal(t, []string{"a", "b", "live", "c"}, ids(r.Messages()))
	assert.True(t, r.Seeded())
	assert.False(t, r.Seed([]domain.Message{msg("x", 1)}))
	assert.Equal(t, 4, r.Len())
}

func TestMergeIsIdempotent(t *testing.T) {
	batch := []domain.Message{msg("3", 30), msg("1", 10), msg("2", 10)}

	once := NewReconciler()
	once.Merge(batch...)

	twice := NewReconciler()
	twice.Merge(batch...)
	twice.Merge(batch...)
	twice.Merge(batch[1])

	assert.Equal(t, once.Messages(), twice.Messages())
	assert.Equal(t, []string{"1", "2", "3"}, ids(twice.Messages()))
}

func TestMergeOutOfOrderKeepsTimestampOrder(t *testing.T) {
	r := NewReconciler()
	r.Merge(msg("late", 50))
	r.Merge(msg("early", 5))
	r.Merge(msg("mid", 20), msg("tie", 20))

	got := r.Messages()
	assert.Equal(t, []string{"early", "mid", "tie", "late"}, ids(got))
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
}

func TestApplyReadReceiptIsMonotonic(t *testing.T) {
	r := NewReconciler()
	r.Seed([]domain.Message{msg("1", 1), msg("2", 2)})

	assert.Equal(t, 1, r.ApplyReadReceipt([]string{"1", "missing"}, domain.RoleInitiator))
	assert.Equal(t, 0, r.ApplyReadReceipt([]string{"1"}, domain.RoleInitiator))

	// A stale copy without the flag does not clear it.
	r.Merge(msg("1", 1))
	got := r.Messages()
	assert.True(t, got[0].ReadByInitiator)
	assert.False(t, got[0].ReadByCounterpart)
	assert.False(t, got[1].ReadByInitiator)

	fresh := msg("2", 2)
	fresh.ReadByInitiator = true
	assert.Equal(t, 1, r.Merge(fresh), "a raised read flag counts as a change")
	assert.True(t, r.Messages()[1].ReadByInitiator)
	assert.Equal(t, 0, r.Merge(fresh))
}

func TestUnread(t *testing.T) {
	mine := msg("mine", 1)
	mine.SenderRole = domain.RoleInitiator
	read := msg("read", 2)
	read.ReadByInitiator = true

	r := NewReconciler()
	r.Seed([]domain.Message{mine, read, msg("new", 3)})

	assert.Equal(t, []string{"new"}, r.Unread(domain.RoleInitiator))
	assert.Equal(t, []string{"mine"}, r.Unread(domain.RoleCounterpart))
}

func TestMessagesReturnsCopy(t *testing.T) {
	r := NewReconciler()
	r.Merge(msg("1", 1))

	got := r.Messages()
	got[0].Text = "changed"

	assert.Empty(t, r.Messages()[0].Text)
}

func TestConcurrentMerge(t *testing.T) {
	r := NewReconciler()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Merge(msg(string(rune('a'+i%26))+string(rune('a'+i/26)), i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, r.Len())
}
