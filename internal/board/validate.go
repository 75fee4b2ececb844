package board

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEvent marks events rejected before they reach the reducer.
var ErrInvalidEvent = errors.New("board: invalid event")

const maxBoardNameLength = 256

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// Validate checks a persistable client event against the current board. Events that fail
// validation are never applied or persisted.
func Validate(current Board, event Event) error {
	if !event.Action.Persistable() {
		return invalid("action %q is not persistable", event.Action)
	}
	if event.BoardID != current.ID {
		return invalid("event targets board %q, not %q", event.BoardID, current.ID)
	}
	switch event.Action {
	case ActionItemAdd:
		return validateItemAdd(current, event)
	case ActionItemUpdate:
		if len(event.Updates) == 0 {
			return invalid("no updates")
		}
		for _, update := range event.Updates {
			if err := requireItem(current, update.ID); err != nil {
				return err
			}
			if update.ContainerID != nil {
				if err := validateContainer(current, update.ID, *update.ContainerID); err != nil {
					return err
				}
			}
		}
	case ActionItemMove:
		if len(event.Moves) == 0 {
			return invalid("no moves")
		}
		for _, move := range event.Moves {
			if err := requireItem(current, move.ID); err != nil {
				return err
			}
			if move.ContainerID != nil {
				if err := validateContainer(current, move.ID, *move.ContainerID); err != nil {
					return err
				}
			}
		}
	case ActionItemDelete, ActionItemFront, ActionItemFontIncrease, ActionItemFontDecrease:
		if len(event.ItemIDs) == 0 {
			return invalid("no item ids")
		}
		for _, id := range event.ItemIDs {
			if err := requireItem(current, id); err != nil {
				return err
			}
		}
	case ActionItemBootstrap:
		seen := make(map[ItemID]struct{}, len(event.Items))
		for _, item := range event.Items {
			if err := validateItemShape(item); err != nil {
				return err
			}
			if _, dup := seen[item.ID]; dup {
				return invalid("duplicate item %q", item.ID)
			}
			seen[item.ID] = struct{}{}
		}
	case ActionBoardRename:
		name := strings.TrimSpace(event.Name)
		if name == "" || len(name) > maxBoardNameLength {
			return invalid("board name must be 1..%d characters", maxBoardNameLength)
		}
	case ActionConnectionAdd:
		if len(event.Connections) == 0 {
			return invalid("no connections")
		}
		for _, connection := range event.Connections {
			if strings.TrimSpace(connection.ID.String()) == "" {
				return fmt.Errorf("%w: %v", ErrInvalidEvent, ErrInvalidConnectionID)
			}
			for _, endpoint := range []Endpoint{connection.From, connection.To} {
				if endpoint.ItemID == "" {
					continue
				}
				if err := requireItem(current, endpoint.ItemID); err != nil {
					return err
				}
			}
		}
	case ActionConnectionUpdate:
		if len(event.ConnectionUpdates) == 0 {
			return invalid("no connection updates")
		}
		for _, update := range event.ConnectionUpdates {
			if err := requireConnection(current, update.ID); err != nil {
				return err
			}
		}
	case ActionConnectionDelete:
		if len(event.ConnectionIDs) == 0 {
			return invalid("no connection ids")
		}
		for _, id := range event.ConnectionIDs {
			if err := requireConnection(current, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateItemAdd(current Board, event Event) error {
	if len(event.Items) == 0 {
		return invalid("no items")
	}
	incoming := make(map[ItemID]struct{}, len(event.Items))
	for _, item := range event.Items {
		if err := validateItemShape(item); err != nil {
			return err
		}
		if _, dup := incoming[item.ID]; dup {
			return invalid("duplicate item %q", item.ID)
		}
		incoming[item.ID] = struct{}{}
	}
	for _, item := range event.Items {
		if item.ContainerID == "" {
			continue
		}
		if _, ok := incoming[item.ContainerID]; ok {
			continue
		}
		container, ok := current.Items[item.ContainerID]
		if !ok || container.Type != ItemTypeContainer {
			return invalid("unknown container %q", item.ContainerID)
		}
	}
	return nil
}

func validateItemShape(item Item) error {
	if _, err := NewItemID(item.ID.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !item.Type.Valid() {
		return invalid("unknown item type %q", item.Type)
	}
	return nil
}

func validateContainer(current Board, itemID ItemID, containerID ItemID) error {
	if containerID == "" {
		return nil
	}
	if containerID == itemID {
		return invalid("item %q cannot contain itself", itemID)
	}
	container, ok := current.Items[containerID]
	if !ok || container.Type != ItemTypeContainer {
		return invalid("unknown container %q", containerID)
	}
	for _, contained := range current.ContainedItems(itemID) {
		if contained == containerID {
			return invalid("container %q is inside item %q", containerID, itemID)
		}
	}
	return nil
}

func requireItem(current Board, id ItemID) error {
	if _, ok := current.Items[id]; !ok {
		return invalid("unknown item %q", id)
	}
	return nil
}

func requireConnection(current Board, id ConnectionID) error {
	if _, ok := current.Connections[id]; !ok {
		return invalid("unknown connection %q", id)
	}
	return nil
}
