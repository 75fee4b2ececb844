package board

// Action discriminates board events.
type Action string

const (
	ActionItemAdd          Action = "item.add"
	ActionItemUpdate       Action = "item.update"
	ActionItemMove         Action = "item.move"
	ActionItemDelete       Action = "item.delete"
	ActionItemFontIncrease Action = "item.font.increase"
	ActionItemFontDecrease Action = "item.font.decrease"
	ActionItemFront        Action = "item.front"
	ActionItemBootstrap    Action = "item.bootstrap"
	ActionBoardRename      Action = "board.rename"
	ActionConnectionAdd    Action = "connection.add"
	ActionConnectionUpdate Action = "connection.update"
	ActionConnectionDelete Action = "connection.delete"

	// Transient actions are never recorded in history.
	ActionItemLock   Action = "item.lock"
	ActionItemUnlock Action = "item.unlock"
	ActionCursorMove Action = "cursor.move"
)

// Persistable reports whether events with this action are recorded in history.
func (a Action) Persistable() bool {
	switch a {
	case ActionItemAdd, ActionItemUpdate, ActionItemMove, ActionItemDelete,
		ActionItemFontIncrease, ActionItemFontDecrease, ActionItemFront, ActionItemBootstrap,
		ActionBoardRename, ActionConnectionAdd, ActionConnectionUpdate, ActionConnectionDelete:
		return true
	default:
		return false
	}
}

// RequiresLock reports whether applying the action needs every affected item locked by the caller.
func (a Action) RequiresLock() bool {
	switch a {
	case ActionItemUpdate, ActionItemMove, ActionItemDelete,
		ActionItemFontIncrease, ActionItemFontDecrease, ActionItemFront, ActionItemLock:
		return true
	default:
		return false
	}
}

// ItemUpdate carries a partial item change; nil fields are left untouched.
type ItemUpdate struct {
	ID          ItemID   `json:"id"`
	Text        *string  `json:"text,omitempty"`
	Color       *string  `json:"color,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	FontSize    *float64 `json:"fontSize,omitempty"`
	ContainerID *ItemID  `json:"containerId,omitempty"`
	AssetID     *string  `json:"assetId,omitempty"`
}

// ItemMove places an item at an absolute position, optionally changing its container.
type ItemMove struct {
	ID          ItemID  `json:"id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	ContainerID *ItemID `json:"containerId,omitempty"`
}

// ConnectionUpdate carries a partial connection change.
type ConnectionUpdate struct {
	ID        ConnectionID `json:"id"`
	From      *Endpoint    `json:"from,omitempty"`
	To        *Endpoint    `json:"to,omitempty"`
	LineStyle *string      `json:"lineStyle,omitempty"`
	Label     *string      `json:"label,omitempty"`
}

// Event is a board mutation keyed by Action. Only the fields relevant to the action are populated.
type Event struct {
	Action            Action             `json:"action"`
	BoardID           BoardID            `json:"boardId"`
	Items             []Item             `json:"items,omitempty"`
	Updates           []ItemUpdate       `json:"updates,omitempty"`
	Moves             []ItemMove         `json:"moves,omitempty"`
	ItemIDs           []ItemID           `json:"itemIds,omitempty"`
	Connections       []Connection       `json:"connections,omitempty"`
	ConnectionUpdates []ConnectionUpdate `json:"connectionUpdates,omitempty"`
	ConnectionIDs     []ConnectionID     `json:"connectionIds,omitempty"`
	Name              string             `json:"name,omitempty"`
}

// IdentityKind distinguishes how a session proved who it is.
type IdentityKind string

const (
	IdentityUnidentified  IdentityKind = "unidentified"
	IdentityAuthenticated IdentityKind = "authenticated"
	IdentitySystem        IdentityKind = "system"
)

// UserInfo identifies the author of a history entry.
type UserInfo struct {
	Kind     IdentityKind `json:"kind"`
	UserID   string       `json:"userId,omitempty"`
	Nickname string       `json:"nickname"`
	Email    string       `json:"email,omitempty"`
}

// SystemUser authors entries generated by the server itself.
var SystemUser = UserInfo{Kind: IdentitySystem, UserID: "system", Nickname: "system"}

// HistoryEntry is a persistable event stamped with its author, time and serial.
type HistoryEntry struct {
	Event
	User      UserInfo `json:"user"`
	Timestamp int64    `json:"timestamp"`
	Serial    Serial   `json:"serial"`
}

// AffectedItemIDs returns the item ids an event touches, in event order without duplicates.
func AffectedItemIDs(event Event) []ItemID {
	var ids []ItemID
	switch event.Action {
	case ActionItemAdd, ActionItemBootstrap:
		for _, item := range event.Items {
			ids = append(ids, item.ID)
		}
	case ActionItemUpdate:
		for _, update := range event.Updates {
			ids = append(ids, update.ID)
		}
	case ActionItemMove:
		for _, move := range event.Moves {
			ids = append(ids, move.ID)
		}
	case ActionItemDelete, ActionItemFront, ActionItemFontIncrease, ActionItemFontDecrease,
		ActionItemLock, ActionItemUnlock:
		ids = append(ids, event.ItemIDs...)
	case ActionConnectionAdd:
		for _, connection := range event.Connections {
			ids = appendEndpointItems(ids, connection.From, connection.To)
		}
	}
	return uniqueItemIDs(ids)
}

func appendEndpointItems(ids []ItemID, endpoints ...Endpoint) []ItemID {
	for _, endpoint := range endpoints {
		if endpoint.ItemID != "" {
			ids = append(ids, endpoint.ItemID)
		}
	}
	return ids
}

func uniqueItemIDs(ids []ItemID) []ItemID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[ItemID]struct{}, len(ids))
	result := make([]ItemID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
