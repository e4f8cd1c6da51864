package server

import "sync"

// Hub tracks live rooms by id. A room exists while at least one connection is in it.
type Hub struct {
	mutex sync.RWMutex
	rooms map[string]*Room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

// join moves client into the room with the given id, creating it on demand, and returns
// the room the client was in before (nil if none).
func (hub *Hub) join(id string, client *Client) *Room {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, ok := hub.rooms[id]
	if !ok {
		room = newRoom(id)
		hub.rooms[id] = room
	}
	prev := client.swapRoom(room)
	if prev == room {
		return nil
	}
	if prev != nil {
		hub.removeLocked(prev, client)
	}
	room.add(client)
	return prev
}

// leave takes client out of its current room if that room has the given id. An empty id
// leaves whatever room the client is in.
func (hub *Hub) leave(id string, client *Client) bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room := client.currentRoom()
	if room == nil || (id != "" && room.id != id) {
		return false
	}
	client.swapRoom(nil)
	hub.removeLocked(room, client)
	return true
}

func (hub *Hub) removeLocked(room *Room, client *Client) {
	if room.remove(client) == 0 {
		delete(hub.rooms, room.id)
	}
}

func (hub *Hub) getRoom(id string) *Room {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.rooms[id]
}

// broadcast sends payload to every member of the room except skip.
func (hub *Hub) broadcast(id string, payload []byte, skip *Client) {
	if room := hub.getRoom(id); room != nil {
		room.broadcast(payload, skip)
	}
}
