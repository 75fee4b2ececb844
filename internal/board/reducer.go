package board

import (
	"sort"

	"go.uber.org/zap"
)

const defaultFontSize = 16

var fontSizeLadder = []float64{8, 10, 12, 14, 16, 18, 20, 24, 28, 32, 40, 48, 64, 80, 96, 128}

// Reducer applies events to board snapshots. It owns no state besides its logger.
type Reducer struct {
	logger *zap.Logger
}

// NewReducer constructs a Reducer; a nil logger disables warnings.
func NewReducer(logger *zap.Logger) *Reducer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reducer{logger: logger}
}

// Apply returns the board that results from applying event to current, plus the compensating
// event when the action defines one. The input board is never modified.
func (r *Reducer) Apply(current Board, event Event) (Board, *Event) {
	switch event.Action {
	case ActionItemAdd:
		return applyItemAdd(current, event)
	case ActionItemUpdate:
		return applyItemUpdate(current, event)
	case ActionItemMove:
		return applyItemMove(current, event)
	case ActionItemDelete:
		return applyItemDelete(current, event)
	case ActionItemFontIncrease:
		return applyFontStep(current, event, 1)
	case ActionItemFontDecrease:
		return applyFontStep(current, event, -1)
	case ActionItemFront:
		return applyItemFront(current, event), nil
	case ActionItemBootstrap:
		return applyBootstrap(current, event), nil
	case ActionBoardRename:
		return applyRename(current, event)
	case ActionConnectionAdd:
		return applyConnectionAdd(current, event)
	case ActionConnectionUpdate:
		return applyConnectionUpdate(current, event)
	case ActionConnectionDelete:
		return applyConnectionDelete(current, event)
	default:
		r.logger.Warn("ignoring unknown board action",
			zap.String("action", string(event.Action)),
			zap.String("board_id", current.ID.String()))
		return current, nil
	}
}

func applyItemAdd(current Board, event Event) (Board, *Event) {
	for _, item := range event.Items {
		if _, exists := current.Items[item.ID]; exists {
			return current, nil
		}
	}
	next := current.clone()
	inverse := &Event{Action: ActionItemDelete, BoardID: current.ID}
	for _, item := range event.Items {
		next.Items[item.ID] = item
		inverse.ItemIDs = append(inverse.ItemIDs, item.ID)
	}
	for _, connection := range event.Connections {
		if _, exists := next.Connections[connection.ID]; exists {
			continue
		}
		next.Connections[connection.ID] = connection
	}
	return next, inverse
}

func applyItemUpdate(current Board, event Event) (Board, *Event) {
	next := current.clone()
	inverse := &Event{Action: ActionItemUpdate, BoardID: current.ID}
	for _, update := range event.Updates {
		item, ok := next.Items[update.ID]
		if !ok {
			continue
		}
		previous := ItemUpdate{ID: update.ID}
		if update.Text != nil {
			previous.Text = pointerTo(item.Text)
			item.Text = *update.Text
		}
		if update.Color != nil {
			previous.Color = pointerTo(item.Color)
			item.Color = *update.Color
		}
		if update.Width != nil {
			previous.Width = pointerTo(item.Width)
			item.Width = *update.Width
		}
		if update.Height != nil {
			previous.Height = pointerTo(item.Height)
			item.Height = *update.Height
		}
		if update.FontSize != nil {
			previous.FontSize = pointerTo(item.FontSize)
			item.FontSize = *update.FontSize
		}
		if update.ContainerID != nil {
			previous.ContainerID = pointerTo(item.ContainerID)
			item.ContainerID = *update.ContainerID
		}
		if update.AssetID != nil {
			previous.AssetID = pointerTo(item.AssetID)
			item.AssetID = *update.AssetID
		}
		next.Items[update.ID] = item
		inverse.Updates = append(inverse.Updates, previous)
	}
	if len(inverse.Updates) == 0 {
		return current, nil
	}
	return next, inverse
}

type moveDelta struct {
	dx float64
	dy float64
}

func applyItemMove(current Board, event Event) (Board, *Event) {
	next := current.clone()
	inverse := &Event{Action: ActionItemMove, BoardID: current.ID}
	deltas := make(map[ItemID]moveDelta, len(event.Moves))
	for _, move := range event.Moves {
		item, ok := current.Items[move.ID]
		if !ok {
			continue
		}
		deltas[move.ID] = moveDelta{dx: move.X - item.X, dy: move.Y - item.Y}
		previous := ItemMove{ID: move.ID, X: item.X, Y: item.Y}
		moved := next.Items[move.ID]
		moved.X = move.X
		moved.Y = move.Y
		if move.ContainerID != nil && *move.ContainerID != item.ContainerID {
			previous.ContainerID = pointerTo(item.ContainerID)
			moved.ContainerID = *move.ContainerID
		}
		next.Items[move.ID] = moved
		inverse.Moves = append(inverse.Moves, previous)
	}
	if len(inverse.Moves) == 0 {
		return current, nil
	}
	// Contained items follow the delta of their nearest explicitly moved ancestor.
	for id, item := range current.Items {
		if _, explicit := deltas[id]; explicit {
			continue
		}
		delta, ok := nearestMovedAncestor(current, item, deltas)
		if !ok {
			continue
		}
		follower := next.Items[id]
		follower.X += delta.dx
		follower.Y += delta.dy
		next.Items[id] = follower
	}
	return next, inverse
}

func nearestMovedAncestor(current Board, item Item, deltas map[ItemID]moveDelta) (moveDelta, bool) {
	visited := map[ItemID]struct{}{item.ID: {}}
	parentID := item.ContainerID
	for parentID != "" {
		if _, seen := visited[parentID]; seen {
			return moveDelta{}, false
		}
		visited[parentID] = struct{}{}
		if delta, ok := deltas[parentID]; ok {
			return delta, true
		}
		parent, ok := current.Items[parentID]
		if !ok {
			return moveDelta{}, false
		}
		parentID = parent.ContainerID
	}
	return moveDelta{}, false
}

func applyItemDelete(current Board, event Event) (Board, *Event) {
	removed := make(map[ItemID]struct{})
	for _, id := range event.ItemIDs {
		if _, ok := current.Items[id]; !ok {
			continue
		}
		removed[id] = struct{}{}
		for _, contained := range current.ContainedItems(id) {
			removed[contained] = struct{}{}
		}
	}
	if len(removed) == 0 {
		return current, nil
	}
	next := current.clone()
	inverse := &Event{Action: ActionItemAdd, BoardID: current.ID}
	removedIDs := make([]ItemID, 0, len(removed))
	for id := range removed {
		removedIDs = append(removedIDs, id)
	}
	sortItemIDs(removedIDs)
	for _, id := range removedIDs {
		inverse.Items = append(inverse.Items, current.Items[id])
		delete(next.Items, id)
	}
	var removedConnections []ConnectionID
	for id, connection := range current.Connections {
		if endpointRemoved(connection.From, removed) || endpointRemoved(connection.To, removed) {
			removedConnections = append(removedConnections, id)
		}
	}
	sort.Slice(removedConnections, func(i, j int) bool { return removedConnections[i] < removedConnections[j] })
	for _, id := range removedConnections {
		inverse.Connections = append(inverse.Connections, current.Connections[id])
		delete(next.Connections, id)
	}
	return next, inverse
}

func endpointRemoved(endpoint Endpoint, removed map[ItemID]struct{}) bool {
	if endpoint.ItemID == "" {
		return false
	}
	_, ok := removed[endpoint.ItemID]
	return ok
}

func applyFontStep(current Board, event Event, direction int) (Board, *Event) {
	next := current.clone()
	inverse := &Event{Action: ActionItemUpdate, BoardID: current.ID}
	for _, id := range uniqueItemIDs(event.ItemIDs) {
		item, ok := next.Items[id]
		if !ok {
			continue
		}
		size := stepFontSize(item.FontSize, direction)
		if size == item.FontSize {
			continue
		}
		inverse.Updates = append(inverse.Updates, ItemUpdate{ID: id, FontSize: pointerTo(item.FontSize)})
		item.FontSize = size
		next.Items[id] = item
	}
	if len(inverse.Updates) == 0 {
		return current, nil
	}
	return next, inverse
}

func stepFontSize(size float64, direction int) float64 {
	if size <= 0 {
		size = defaultFontSize
	}
	if direction > 0 {
		for _, candidate := range fontSizeLadder {
			if candidate > size {
				return candidate
			}
		}
		return size
	}
	for index := len(fontSizeLadder) - 1; index >= 0; index-- {
		if fontSizeLadder[index] < size {
			return fontSizeLadder[index]
		}
	}
	return size
}

func applyItemFront(current Board, event Event) Board {
	next := current.clone()
	z := current.maxZ()
	for _, id := range uniqueItemIDs(event.ItemIDs) {
		item, ok := next.Items[id]
		if !ok {
			continue
		}
		z++
		item.Z = z
		next.Items[id] = item
	}
	return next
}

func applyBootstrap(current Board, event Event) Board {
	next := current
	next.Items = make(map[ItemID]Item, len(event.Items))
	for _, item := range event.Items {
		next.Items[item.ID] = item
	}
	next.Connections = make(map[ConnectionID]Connection, len(event.Connections))
	for _, connection := range event.Connections {
		next.Connections[connection.ID] = connection
	}
	return next
}

func applyRename(current Board, event Event) (Board, *Event) {
	if event.Name == current.Name {
		return current, nil
	}
	next := current.clone()
	next.Name = event.Name
	return next, &Event{Action: ActionBoardRename, BoardID: current.ID, Name: current.Name}
}

func applyConnectionAdd(current Board, event Event) (Board, *Event) {
	for _, connection := range event.Connections {
		if _, exists := current.Connections[connection.ID]; exists {
			return current, nil
		}
	}
	next := current.clone()
	inverse := &Event{Action: ActionConnectionDelete, BoardID: current.ID}
	for _, connection := range event.Connections {
		next.Connections[connection.ID] = connection
		inverse.ConnectionIDs = append(inverse.ConnectionIDs, connection.ID)
	}
	return next, inverse
}

func applyConnectionUpdate(current Board, event Event) (Board, *Event) {
	next := current.clone()
	inverse := &Event{Action: ActionConnectionUpdate, BoardID: current.ID}
	for _, update := range event.ConnectionUpdates {
		connection, ok := next.Connections[update.ID]
		if !ok {
			continue
		}
		previous := ConnectionUpdate{ID: update.ID}
		if update.From != nil {
			previous.From = pointerTo(connection.From)
			connection.From = *update.From
		}
		if update.To != nil {
			previous.To = pointerTo(connection.To)
			connection.To = *update.To
		}
		if update.LineStyle != nil {
			previous.LineStyle = pointerTo(connection.LineStyle)
			connection.LineStyle = *update.LineStyle
		}
		if update.Label != nil {
			previous.Label = pointerTo(connection.Label)
			connection.Label = *update.Label
		}
		next.Connections[update.ID] = connection
		inverse.ConnectionUpdates = append(inverse.ConnectionUpdates, previous)
	}
	if len(inverse.ConnectionUpdates) == 0 {
		return current, nil
	}
	return next, inverse
}

func applyConnectionDelete(current Board, event Event) (Board, *Event) {
	next := current.clone()
	inverse := &Event{Action: ActionConnectionAdd, BoardID: current.ID}
	for _, id := range event.ConnectionIDs {
		connection, ok := next.Connections[id]
		if !ok {
			continue
		}
		inverse.Connections = append(inverse.Connections, connection)
		delete(next.Connections, id)
	}
	if len(inverse.Connections) == 0 {
		return current, nil
	}
	return next, inverse
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}
