package tracking

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const declURI = "file:///a.decl"

func insert(at int, text string) TextModification {
	return TextModification{Range: EmptyRange(at), Text: text}
}

func noop() {}

func TestRegistry_Scenario(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.NotifyOpened(declURI, "x"))

	c := r.RegisterConsumer(noop)

	updates, err := r.ConsumeUpdates(c)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, []Event{
		NewOpen(0),
		NewEdit(0, []TextModification{insert(0, "x")}),
	}, updates[declURI])

	require.NoError(t, r.NotifyUpdated(declURI, []TextModification{insert(1, "=")}, "x="))

	updates, err = r.ConsumeUpdates(c)
	require.NoError(t, err)
	assert.Equal(t, Updates{
		declURI: {NewEdit(1, []TextModification{insert(1, "=")})},
	}, updates)
}

func TestRegistry_SecondConsumeIsEmpty(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.NotifyOpened(declURI, "abc"))
	c := r.RegisterConsumer(noop)

	first, err := r.ConsumeUpdates(c)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := r.ConsumeUpdates(c)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestRegistry_SyncValuesStrictlyIncrease(t *testing.T) {
	r := NewRegistry(nil)
	c := r.RegisterConsumer(noop)

	require.NoError(t, r.NotifyOpened("file:///one.decl", ""))
	require.NoError(t, r.NotifyOpened("file:///two.decl", ""))
	require.NoError(t, r.NotifyUpdated("file:///one.decl", []TextModification{insert(0, "a")}, "a"))
	require.NoError(t, r.NotifyUpdated("file:///two.decl", []TextModification{insert(0, "b")}, "b"))
	require.NoError(t, r.NotifyClosed("file:///one.decl"))

	updates, err := r.ConsumeUpdates(c)
	require.NoError(t, err)

	// One value per producer call; the Open+Edit pair shares its call's value.
	perCall := map[SyncCounter]int{}
	for _, events := range updates {
		for i, ev := range events {
			if i > 0 {
				assert.GreaterOrEqual(t, ev.Sync(), events[i-1].Sync())
			}
			perCall[ev.Sync()]++
		}
	}
	assert.Equal(t, map[SyncCounter]int{0: 2, 1: 2, 2: 1, 3: 1, 4: 1}, perCall)
	assert.Equal(t, SyncCounter(5), r.Stats().Sync)
}

func TestRegistry_ProducerErrors(t *testing.T) {
	r := NewRegistry(nil)

	assert.ErrorIs(t, r.NotifyClosed(declURI), ErrUnknownDocument)
	assert.ErrorIs(t, r.NotifyUpdated(declURI, nil, ""), ErrUnknownDocument)

	require.NoError(t, r.NotifyOpened(declURI, ""))
	assert.ErrorIs(t, r.NotifyOpened(declURI, ""), ErrAlreadyTracked)

	require.NoError(t, r.NotifyClosed(declURI))
	assert.ErrorIs(t, r.NotifyClosed(declURI), ErrUnknownDocument)
	assert.ErrorIs(t, r.NotifyUpdated(declURI, nil, ""), ErrUnknownDocument)

	// Failed calls do not consume sync values.
	assert.Equal(t, SyncCounter(2), r.Stats().Sync)
}

func TestRegistry_RegisterNotifiesImmediately(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	r.RegisterConsumer(func() { calls++ })
	assert.Equal(t, 1, calls)

	require.NoError(t, r.NotifyOpened(declURI, ""))
	assert.Equal(t, 2, calls)
}

func TestRegistry_NotifyMayReenter(t *testing.T) {
	r := NewRegistry(nil)
	var id ConsumerID
	var seen Updates
	id = r.RegisterConsumer(func() {
		if updates, err := r.ConsumeUpdates(id); err == nil {
			seen = updates
		}
	})

	require.NoError(t, r.NotifyOpened(declURI, "x"))
	require.Len(t, seen[declURI], 2)
}

func TestRegistry_IndependentCursors(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.NotifyOpened(declURI, ""))

	a := r.RegisterConsumer(noop)
	b := r.RegisterConsumer(noop)

	_, err := r.ConsumeUpdates(a)
	require.NoError(t, err)

	require.NoError(t, r.NotifyUpdated(declURI, []TextModification{insert(0, "q")}, "q"))

	ua, err := r.ConsumeUpdates(a)
	require.NoError(t, err)
	assert.Equal(t, []Event{NewEdit(1, []TextModification{insert(0, "q")})}, ua[declURI])

	ub, err := r.ConsumeUpdates(b)
	require.NoError(t, err)
	require.Len(t, ub[declURI], 3)
	assert.Equal(t, NewEdit(1, []TextModification{insert(0, "q")}), ub[declURI][2])

	for _, id := range []ConsumerID{a, b} {
		again, err := r.ConsumeUpdates(id)
		require.NoError(t, err)
		assert.Empty(t, again)
	}
}

func TestRegistry_LaggingConsumerSeesClose(t *testing.T) {
	r := NewRegistry(nil)
	c := r.RegisterConsumer(noop)
	require.NoError(t, r.NotifyOpened(declURI, "body"))
	_, err := r.ConsumeUpdates(c)
	require.NoError(t, err)

	require.NoError(t, r.NotifyClosed(declURI))

	updates, err := r.ConsumeUpdates(c)
	require.NoError(t, err)
	assert.Equal(t, Updates{declURI: {NewClose(1)}}, updates)
}

func TestRegistry_Reopen(t *testing.T) {
	r := NewRegistry(nil)
	c := r.RegisterConsumer(noop)

	require.NoError(t, r.NotifyOpened(declURI, "first"))
	require.NoError(t, r.NotifyClosed(declURI))
	require.NoError(t, r.NotifyOpened(declURI, "second"))

	updates, err := r.ConsumeUpdates(c)
	require.NoError(t, err)

	text, open, err := Replay(updates[declURI])
	require.NoError(t, err)
	assert.True(t, open)
	assert.Equal(t, "second", text)

	snap, err := r.Snapshot(declURI)
	require.NoError(t, err)
	assert.Equal(t, "second", snap.Text)
	assert.Equal(t, SyncCounter(2), snap.Sync)
	assert.Equal(t, xxhashString("second"), snap.Checksum)
}

func TestRegistry_UnregisterConsumer(t *testing.T) {
	r := NewRegistry(nil)
	c := r.RegisterConsumer(noop)
	r.UnregisterConsumer(c)
	r.UnregisterConsumer(c)

	_, err := r.ConsumeUpdates(c)
	assert.ErrorIs(t, err, ErrUnknownConsumer)
	assert.Equal(t, 0, r.Stats().Consumers)
}

func TestRegistry_ReplayMatchesSnapshots(t *testing.T) {
	r := NewRegistry(nil)
	c := r.RegisterConsumer(noop)

	steps := []struct {
		mods []TextModification
		text string
	}{
		{[]TextModification{insert(5, " world")}, "hello world"},
		{[]TextModification{{Range: TextRange{Start: 0, Length: 5}, Text: "goodbye"}}, "goodbye world"},
		{[]TextModification{insert(13, "!"), {Range: TextRange{Start: 0, Length: 1}, Text: "G"}}, "Goodbye world!"},
	}

	require.NoError(t, r.NotifyOpened(declURI, "hello"))
	var history []Event
	collect := func(expected string) {
		updates, err := r.ConsumeUpdates(c)
		require.NoError(t, err)
		history = append(history, updates[declURI]...)
		text, _, err := Replay(history)
		require.NoError(t, err)
		assert.Equal(t, expected, text)
	}
	collect("hello")

	for _, step := range steps {
		require.NoError(t, r.NotifyUpdated(declURI, step.mods, step.text))
		collect(step.text)
	}

	require.NoError(t, r.NotifyClosed(declURI))
	updates, err := r.ConsumeUpdates(c)
	require.NoError(t, err)
	history = append(history, updates[declURI]...)
	text, open, err := Replay(history)
	require.NoError(t, err)
	assert.False(t, open)
	assert.Equal(t, "Goodbye world!", text)
}

func TestRegistry_ConcurrentProducersAndConsumers(t *testing.T) {
	r := NewRegistry(nil)
	const docs, edits = 8, 50

	signal := NewSignal()
	c := r.RegisterConsumer(signal.Notify)

	var wg sync.WaitGroup
	for d := 0; d < docs; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			uri := "file:///doc" + string(rune('a'+d)) + ".decl"
			assert.NoError(t, r.NotifyOpened(uri, ""))
			text := ""
			for i := 0; i < edits; i++ {
				text += "."
				assert.NoError(t, r.NotifyUpdated(uri, []TextModification{insert(i, ".")}, text))
			}
		}(d)
	}

	seen := map[string][]Event{}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	drain := func() {
		updates, err := r.ConsumeUpdates(c)
		require.NoError(t, err)
		for uri, events := range updates {
			seen[uri] = append(seen[uri], events...)
		}
	}
loop:
	for {
		select {
		case <-signal.C():
			drain()
		case <-done:
			break loop
		}
	}
	drain()

	require.Len(t, seen, docs)
	for uri, events := range seen {
		assert.Len(t, events, 2+edits, uri)
		text, open, err := Replay(events)
		require.NoError(t, err)
		assert.True(t, open)
		assert.Len(t, text, edits)
	}
}

func TestUpdates_JSON(t *testing.T) {
	updates := Updates{
		declURI: {
			NewOpen(3),
			NewEdit(3, []TextModification{insert(0, "a\nb")}),
			NewClose(4),
		},
	}
	data, err := json.Marshal(updates)
	require.NoError(t, err)
	assert.JSONEq(t, `{"file:///a.decl":[
		{"type":"open"},
		{"type":"edit","edits":[{"range":{"start":0,"length":0},"text":"a\nb"}]},
		{"type":"close"}]}`, string(data))
	assert.NotContains(t, string(data), "\n")

	var decoded Updates
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded[declURI], 3)
	assert.Equal(t, KindOpen, decoded[declURI][0].Kind())
	assert.Equal(t, []TextModification{insert(0, "a\nb")}, decoded[declURI][1].(Edit).Edits)
	assert.Equal(t, KindClose, decoded[declURI][2].Kind())

	_, err = UnmarshalEvent([]byte(`{"type":"rename"}`))
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}
