package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSyncSettings() *SyncSettings {
	return &SyncSettings{
		DebounceWindow: 50 * time.Millisecond,
	}
}

type syncFixture struct {
	hub     *testHub
	backend *testBackend
	api     *CollabApi
	channel *Channel
}

func newSyncFixture(ctx context.Context, t *testing.T) *syncFixture {
	t.Helper()

	hub := newTestHub()
	backend := newTestBackend()

	api := NewCollabApiWithContext(ctx, backend.url())
	channel := NewChannel(ctx, hub.url(), nil, testChannelSettings())

	ok := waitFor(2*time.Second, func() bool {
		return channel.Connected()
	})
	assert.Equal(t, ok, true)

	t.Cleanup(func() {
		channel.Close()
		api.Close()
		backend.close()
		hub.close()
	})

	return &syncFixture{
		hub:     hub,
		backend: backend,
		api:     api,
		channel: channel,
	}
}

func waitForSyncState(t *testing.T, sync *CodespaceSync, state SyncState) {
	t.Helper()
	ok := waitFor(2*time.Second, func() bool {
		s, _ := sync.State()
		return s == state
	})
	if !ok {
		s, err := sync.State()
		t.Fatalf("expected state %s, got %s (err %v)", state, s, err)
	}
}

func TestSyncFetchWaitsForJoinAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "gated",
		AccessType: AccessTypePublic,
		Content:    "initial",
		Language:   DefaultLanguage,
	})

	// hold the join ack to observe the ordering
	joinGate := make(chan struct{})
	f.hub.setJoinGate(joinGate)

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "gated", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	time.Sleep(200 * time.Millisecond)
	state, _ := cs.State()
	assert.Equal(t, state, SyncStateJoiningRoom)
	// no fetch before the ack
	assert.Equal(t, f.backend.getCount("gated"), 0)

	close(joinGate)

	waitForSyncState(t, cs, SyncStateReady)
	content, language := cs.Content()
	assert.Equal(t, content, "initial")
	assert.Equal(t, language, DefaultLanguage)
	assert.Equal(t, f.backend.getCount("gated"), 1)
}

func TestSyncCreatesMissingCodespace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "fresh1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateReady)

	// the 404 turned into a create under the same slug
	f.backend.mutex.Lock()
	created := f.backend.codespaces["fresh1"]
	createCount := f.backend.createCount
	f.backend.mutex.Unlock()
	assert.Equal(t, createCount, 1)
	assert.Equal(t, created.Slug, "fresh1")
}

func TestSyncAccessDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.deny("private1", "margo")

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "private1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateAccessDenied)
	_, lastError := cs.State()
	assert.Equal(t, IsAccessDenied(lastError), true)

	err = cs.SubmitLocalEdit("nope", "")
	assert.Equal(t, err, ErrSyncNotReady)
}

func TestSyncDebounceCoalesces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "pad1",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "pad1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateReady)

	// a rapid burst of edits inside the window
	for _, content := range []string{"h", "he", "hel", "hell", "hello"} {
		err := cs.SubmitLocalEdit(content, "")
		assert.Equal(t, err, nil)
	}

	// the buffer reflects the last edit immediately
	content, _ := cs.Content()
	assert.Equal(t, content, "hello")

	// exactly one write lands, with the final content, and exactly one
	// broadcast follows it
	ok := waitFor(2*time.Second, func() bool {
		return f.backend.putCount("pad1") == 1
	})
	assert.Equal(t, ok, true)

	f.backend.mutex.Lock()
	saved := f.backend.codespaces["pad1"].Content
	f.backend.mutex.Unlock()
	assert.Equal(t, saved, "hello")

	ok = waitFor(2*time.Second, func() bool {
		return f.hub.getCodeChangeCount() == 1
	})
	assert.Equal(t, ok, true)

	// the window has long passed. still only one write.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, f.backend.putCount("pad1"), 1)
}

func TestSyncFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "pad2",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	settings := &SyncSettings{
		DebounceWindow: 10 * time.Second,
	}
	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "pad2", settings)
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateReady)

	err = cs.SubmitLocalEdit("flush me", "")
	assert.Equal(t, err, nil)

	// the window is far away. flush persists now.
	cs.Flush()
	assert.Equal(t, f.backend.putCount("pad2"), 1)

	// a second flush with nothing pending is a no-op
	cs.Flush()
	assert.Equal(t, f.backend.putCount("pad2"), 1)
}

func TestSyncRemoteContentPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "shared1",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	// a second client on its own connection
	channelB := NewChannel(ctx, f.hub.url(), nil, testChannelSettings())
	defer channelB.Close()
	ok := waitFor(2*time.Second, func() bool {
		return channelB.Connected()
	})
	assert.Equal(t, ok, true)

	csA, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "shared1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer csA.Close()
	csB, err := OpenCodespaceSync(ctx, channelB, f.api, nil, "shared1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer csB.Close()

	waitForSyncState(t, csA, SyncStateReady)
	waitForSyncState(t, csB, SyncStateReady)

	err = csA.SubmitLocalEdit("hello from a", "")
	assert.Equal(t, err, nil)
	csA.Flush()

	ok = waitFor(2*time.Second, func() bool {
		content, _ := csB.Content()
		return content == "hello from a"
	})
	assert.Equal(t, ok, true)

	// the writer does not hear its own broadcast back
	content, _ := csA.Content()
	assert.Equal(t, content, "hello from a")
}

func TestSyncApplyRemoteContentIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "pad3",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "pad3", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateReady)

	var mutex sync.Mutex
	notifyCount := 0
	remove := cs.AddContentCallback(func(content string, language string) {
		mutex.Lock()
		notifyCount += 1
		mutex.Unlock()
	})
	defer remove()

	cs.ApplyRemoteContent("same")
	cs.ApplyRemoteContent("same")
	cs.ApplyRemoteContent("same")

	mutex.Lock()
	assert.Equal(t, notifyCount, 1)
	mutex.Unlock()
	content, _ := cs.Content()
	assert.Equal(t, content, "same")
}

func TestSyncPasskeyUnlocksSharedEdit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		// owned by someone else
		OwnerId:    NewId(),
		Slug:       "locked1",
		AccessType: AccessTypeShared,
		Language:   DefaultLanguage,
	})
	f.backend.mutex.Lock()
	f.backend.passkeys["locked1"] = "open sesame"
	f.backend.mutex.Unlock()

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "locked1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateReady)

	// readable but not writable before verification
	assert.Equal(t, cs.Editable(), false)
	err = cs.SubmitLocalEdit("nope", "")
	assert.Equal(t, err, ErrEditNotPermitted)

	err = cs.VerifyPasskey("wrong")
	assert.Equal(t, err, ErrEditNotPermitted)
	assert.Equal(t, cs.Editable(), false)

	err = cs.VerifyPasskey("open sesame")
	assert.Equal(t, err, nil)
	assert.Equal(t, cs.Editable(), true)

	err = cs.SubmitLocalEdit("now it works", "")
	assert.Equal(t, err, nil)
}

func TestSyncSelection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "sel1",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	channelB := NewChannel(ctx, f.hub.url(), nil, testChannelSettings())
	defer channelB.Close()
	ok := waitFor(2*time.Second, func() bool {
		return channelB.Connected()
	})
	assert.Equal(t, ok, true)

	csA, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "sel1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer csA.Close()
	csB, err := OpenCodespaceSync(ctx, channelB, f.api, nil, "sel1", testSyncSettings())
	assert.Equal(t, err, nil)
	defer csB.Close()

	waitForSyncState(t, csA, SyncStateReady)
	waitForSyncState(t, csB, SyncStateReady)

	var mutex sync.Mutex
	var lastSelection *Selection
	selectionSet := false
	remove := csB.AddSelectionCallback(func(selection *Selection) {
		mutex.Lock()
		lastSelection = selection
		selectionSet = true
		mutex.Unlock()
	})
	defer remove()

	selection := Selection{
		StartLineNumber: 1,
		StartColumn:     1,
		EndLineNumber:   2,
		EndColumn:       5,
	}
	err = csA.SubmitSelection(selection)
	assert.Equal(t, err, nil)

	ok = waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return lastSelection != nil
	})
	assert.Equal(t, ok, true)
	mutex.Lock()
	assert.Equal(t, *lastSelection, selection)
	selectionSet = false
	mutex.Unlock()

	// an empty selection broadcasts a clear
	err = csA.SubmitSelection(Selection{})
	assert.Equal(t, err, nil)

	ok = waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return selectionSet && lastSelection == nil
	})
	assert.Equal(t, ok, true)
}

func TestSyncSelectionScopedBySlug(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "sel2",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "sel2", testSyncSettings())
	assert.Equal(t, err, nil)
	defer cs.Close()

	waitForSyncState(t, cs, SyncStateReady)

	var mutex sync.Mutex
	var lastSelection *Selection
	notifyCount := 0
	remove := cs.AddSelectionCallback(func(selection *Selection) {
		mutex.Lock()
		lastSelection = selection
		notifyCount += 1
		mutex.Unlock()
	})
	defer remove()

	selection := Selection{
		StartLineNumber: 1,
		StartColumn:     1,
		EndLineNumber:   1,
		EndColumn:       4,
	}

	// a selection for another room on the same connection is ignored
	f.hub.broadcastAll(EventSelectionUpdate, &selectionUpdatePayload{
		Slug:      "elsewhere",
		Selection: selection,
	})
	time.Sleep(100 * time.Millisecond)
	mutex.Lock()
	assert.Equal(t, notifyCount, 0)
	mutex.Unlock()

	// the matching slug applies
	f.hub.broadcastAll(EventSelectionUpdate, &selectionUpdatePayload{
		Slug:      "sel2",
		Selection: selection,
	})
	ok := waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return lastSelection != nil
	})
	assert.Equal(t, ok, true)

	// same scoping on clear
	f.hub.broadcastAll(EventClearSelection, &slugPayload{Slug: "elsewhere"})
	time.Sleep(100 * time.Millisecond)
	mutex.Lock()
	assert.NotEqual(t, lastSelection, nil)
	mutex.Unlock()

	f.hub.broadcastAll(EventClearSelection, &slugPayload{Slug: "sel2"})
	ok = waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return lastSelection == nil
	})
	assert.Equal(t, ok, true)
}

func TestSyncCloseStopsPendingSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSyncFixture(ctx, t)
	f.backend.addCodespace(&Codespace{
		Id:         NewId(),
		Slug:       "pad4",
		AccessType: AccessTypePublic,
		Language:   DefaultLanguage,
	})

	cs, err := OpenCodespaceSync(ctx, f.channel, f.api, nil, "pad4", testSyncSettings())
	assert.Equal(t, err, nil)

	waitForSyncState(t, cs, SyncStateReady)

	err = cs.SubmitLocalEdit("unsaved", "")
	assert.Equal(t, err, nil)

	// closing inside the window drops the edit instead of flushing it
	cs.Close()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, f.backend.putCount("pad4"), 0)

	err = cs.SubmitLocalEdit("after close", "")
	assert.Equal(t, err, ErrSyncClosed)
}
