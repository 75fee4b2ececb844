package board

import (
	"errors"
	"testing"
)

func TestValidateRejectsInvalidEvents(t *testing.T) {
	current := newTestBoard(
		Item{ID: "frame", Type: ItemTypeContainer},
		Item{ID: "child", Type: ItemTypeNote, ContainerID: "frame"},
	)
	frameID := ItemID("frame")
	childID := ItemID("child")

	testCases := []struct {
		name  string
		event Event
	}{
		{name: "transient action", event: Event{Action: ActionItemLock, BoardID: testBoardID, ItemIDs: []ItemID{"frame"}}},
		{name: "wrong board", event: Event{Action: ActionItemDelete, BoardID: "other", ItemIDs: []ItemID{"frame"}}},
		{name: "unknown item update", event: Event{Action: ActionItemUpdate, BoardID: testBoardID, Updates: []ItemUpdate{{ID: "ghost"}}}},
		{name: "empty add", event: Event{Action: ActionItemAdd, BoardID: testBoardID}},
		{name: "bad item type", event: Event{Action: ActionItemAdd, BoardID: testBoardID, Items: []Item{{ID: "x", Type: "sticker"}}}},
		{name: "duplicate within add", event: Event{Action: ActionItemAdd, BoardID: testBoardID, Items: []Item{{ID: "x", Type: ItemTypeNote}, {ID: "x", Type: ItemTypeNote}}}},
		{name: "container cycle", event: Event{Action: ActionItemMove, BoardID: testBoardID, Moves: []ItemMove{{ID: "frame", ContainerID: &childID}}}},
		{name: "self container", event: Event{Action: ActionItemUpdate, BoardID: testBoardID, Updates: []ItemUpdate{{ID: "frame", ContainerID: &frameID}}}},
		{name: "blank rename", event: Event{Action: ActionBoardRename, BoardID: testBoardID, Name: "  "}},
		{name: "connection to unknown item", event: Event{Action: ActionConnectionAdd, BoardID: testBoardID, Connections: []Connection{{ID: "c", From: Endpoint{ItemID: "ghost"}}}}},
		{name: "unknown connection delete", event: Event{Action: ActionConnectionDelete, BoardID: testBoardID, ConnectionIDs: []ConnectionID{"c"}}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := Validate(current, testCase.event)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestValidateAcceptsReplayedAdd(t *testing.T) {
	current := newTestBoard(Item{ID: "note-1", Type: ItemTypeNote})
	err := Validate(current, Event{Action: ActionItemAdd, BoardID: testBoardID, Items: []Item{{ID: "note-1", Type: ItemTypeNote}}})
	if err != nil {
		t.Fatalf("expected replayed add to pass validation, got %v", err)
	}
}

func TestValidateAcceptsContainerDeclaredInSameAdd(t *testing.T) {
	current := newTestBoard()
	err := Validate(current, Event{
		Action:  ActionItemAdd,
		BoardID: testBoardID,
		Items: []Item{
			{ID: "frame", Type: ItemTypeContainer},
			{ID: "note", Type: ItemTypeNote, ContainerID: "frame"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
