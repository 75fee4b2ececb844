package crdt

import (
	"errors"
	"testing"

	"github.com/automerge/automerge-go"
)

func commitField(t *testing.T, doc *automerge.Doc, key, value string) []byte {
	t.Helper()
	if err := doc.RootMap().Set(key, value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	if _, err := doc.Commit("edit " + key); err != nil {
		t.Fatalf("commit %s: %v", key, err)
	}
	return doc.SaveIncremental()
}

func readField(t *testing.T, doc *automerge.Doc, key string) string {
	t.Helper()
	value, err := automerge.As[string](doc.Path(key).Get())
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return value
}

func TestMergeUpdatesCombinesDeltas(t *testing.T) {
	source := automerge.New()
	first := commitField(t, source, "note-1", "hello")
	second := commitField(t, source, "note-2", "world")

	loaded, err := LoadDocument(MergeUpdates(first, second))
	if err != nil {
		t.Fatalf("load merged: %v", err)
	}
	if readField(t, loaded.doc, "note-1") != "hello" || readField(t, loaded.doc, "note-2") != "world" {
		t.Fatalf("merged document is missing fields")
	}
}

func TestMergeUpdatesKeepsDependentDeltas(t *testing.T) {
	source := automerge.New()
	base := commitField(t, source, "note-1", "draft")
	first := commitField(t, source, "note-1", "hello")
	second := commitField(t, source, "note-1", "hello world")

	live, err := LoadDocument(base)
	if err != nil {
		t.Fatalf("load base: %v", err)
	}
	var buffered []byte
	live.OnUpdate(func(update []byte) { buffered = MergeUpdates(buffered, update) })
	for _, update := range [][]byte{first, second} {
		if err := live.ApplyUpdate(update); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	reloaded, err := LoadDocument(MergeAll([][]byte{base, buffered}))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := readField(t, reloaded.doc, "note-1"); got != "hello world" {
		t.Fatalf("expected the second delta to survive buffering, got %q", got)
	}
}

func TestMergeUpdatesPassesThroughEmpty(t *testing.T) {
	source := automerge.New()
	update := commitField(t, source, "note-1", "hello")

	if merged := MergeUpdates(nil, update); string(merged) != string(update) {
		t.Fatalf("expected empty merge to return the other side unchanged")
	}
}

func TestCompactReplaysDeltasIntoOneState(t *testing.T) {
	source := automerge.New()
	first := commitField(t, source, "note-1", "hello")
	second := commitField(t, source, "note-1", "hello again")
	third := commitField(t, source, "note-2", "world")

	compacted, err := Compact([][]byte{first, MergeUpdates(second, third)})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	restored, err := LoadDocument(compacted)
	if err != nil {
		t.Fatalf("load compacted: %v", err)
	}
	if readField(t, restored.doc, "note-1") != "hello again" || readField(t, restored.doc, "note-2") != "world" {
		t.Fatalf("compacted state lost changes")
	}
	if _, err := Compact([][]byte{{0x01, 0x02}}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for garbage, got %v", err)
	}
}

func TestDocumentApplyUpdateNotifiesHooks(t *testing.T) {
	source := automerge.New()
	update := commitField(t, source, "note-1", "hello")

	document := NewDocument()
	var received [][]byte
	document.OnUpdate(func(applied []byte) { received = append(received, applied) })

	if err := document.ApplyUpdate(update); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected one hook call, got %d", len(received))
	}

	restored, err := LoadDocument(document.EncodeState())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if readField(t, restored.doc, "note-1") != "hello" {
		t.Fatalf("encoded state lost the applied update")
	}
}

func TestDocumentRejectsGarbage(t *testing.T) {
	document := NewDocument()
	calls := 0
	document.OnUpdate(func([]byte) { calls++ })

	if err := document.ApplyUpdate([]byte{0x01, 0x02, 0x03}); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected ErrInvalidUpdate, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no hook calls for rejected update")
	}
	if _, err := DecodeUpdate("not base64!"); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("expected ErrInvalidUpdate for bad base64, got %v", err)
	}
}

func TestHashIsStable(t *testing.T) {
	if Hash([]byte("abc")) != Hash([]byte("abc")) {
		t.Fatalf("expected deterministic hash")
	}
	if Hash([]byte("abc")) == Hash([]byte("abd")) {
		t.Fatalf("expected distinct hashes")
	}
}
