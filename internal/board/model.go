package board

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("board: invalid board id")
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("board: invalid item id")
	// ErrInvalidConnectionID indicates that a connection identifier is empty or exceeds storage bounds.
	ErrInvalidConnectionID = errors.New("board: invalid connection id")
)

// BoardID represents a validated board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBoardID, err)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// ItemID identifies an item within a board.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidItemID, err)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// ConnectionID identifies a connection within a board.
type ConnectionID string

// String returns the underlying string identifier.
func (id ConnectionID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	return trimmed, nil
}

// Serial is the per-board logical clock; one increment per accepted mutating event.
type Serial int64

// Int64 exposes the raw serial value.
func (s Serial) Int64() int64 {
	return int64(s)
}

// ItemType enumerates the supported item variants.
type ItemType string

const (
	ItemTypeNote      ItemType = "note"
	ItemTypeText      ItemType = "text"
	ItemTypeContainer ItemType = "container"
	ItemTypeImage     ItemType = "image"
	ItemTypeVideo     ItemType = "video"
)

// Valid reports whether the item type is one of the known variants.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeNote, ItemTypeText, ItemTypeContainer, ItemTypeImage, ItemTypeVideo:
		return true
	default:
		return false
	}
}

// Item is a positioned element on a board.
type Item struct {
	ID          ItemID   `json:"id"`
	Type        ItemType `json:"type"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Z           int64    `json:"z"`
	Width       float64  `json:"width,omitempty"`
	Height      float64  `json:"height,omitempty"`
	Text        string   `json:"text,omitempty"`
	Color       string   `json:"color,omitempty"`
	FontSize    float64  `json:"fontSize,omitempty"`
	ContainerID ItemID   `json:"containerId,omitempty"`
	AssetID     string   `json:"assetId,omitempty"`
}

// Endpoint anchors one end of a connection either to an item or to a free point.
type Endpoint struct {
	ItemID ItemID  `json:"itemId,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
}

// Connection links two endpoints on a board.
type Connection struct {
	ID        ConnectionID `json:"id"`
	From      Endpoint     `json:"from"`
	To        Endpoint     `json:"to"`
	LineStyle string       `json:"lineStyle,omitempty"`
	Label     string       `json:"label,omitempty"`
}

// AccessRule admits either an exact email address or every address under a domain.
type AccessRule struct {
	Email  string `json:"email,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// AccessPolicy restricts who may join a board. An empty allow list means unrestricted.
type AccessPolicy struct {
	AllowList []AccessRule `json:"allowList"`
}

// Restricted reports whether the policy limits access.
func (p *AccessPolicy) Restricted() bool {
	return p != nil && len(p.AllowList) > 0
}

// Board is an immutable board snapshot. Reducer results never share mutable state with their inputs.
type Board struct {
	ID           BoardID                     `json:"id"`
	Name         string                      `json:"name"`
	Width        float64                     `json:"width"`
	Height       float64                     `json:"height"`
	Serial       Serial                      `json:"serial"`
	Items        map[ItemID]Item             `json:"items"`
	Connections  map[ConnectionID]Connection `json:"connections"`
	AccessPolicy *AccessPolicy               `json:"accessPolicy,omitempty"`
}

// NewBoard returns an empty board at serial zero.
func NewBoard(id BoardID, name string, width, height float64) Board {
	return Board{
		ID:          id,
		Name:        name,
		Width:       width,
		Height:      height,
		Items:       map[ItemID]Item{},
		Connections: map[ConnectionID]Connection{},
	}
}

// clone returns a copy whose maps can be mutated without affecting the receiver.
func (b Board) clone() Board {
	next := b
	next.Items = make(map[ItemID]Item, len(b.Items))
	for id, item := range b.Items {
		next.Items[id] = item
	}
	next.Connections = make(map[ConnectionID]Connection, len(b.Connections))
	for id, connection := range b.Connections {
		next.Connections[id] = connection
	}
	return next
}

// ContainedItems returns the ids of items directly or transitively inside the container.
func (b Board) ContainedItems(containerID ItemID) []ItemID {
	var result []ItemID
	visited := map[ItemID]struct{}{containerID: {}}
	queue := []ItemID{containerID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for id, item := range b.Items {
			if item.ContainerID != current {
				continue
			}
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			result = append(result, id)
			queue = append(queue, id)
		}
	}
	sortItemIDs(result)
	return result
}

func sortItemIDs(ids []ItemID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func (b Board) maxZ() int64 {
	var max int64
	for _, item := range b.Items {
		if item.Z > max {
			max = item.Z
		}
	}
	return max
}
