package server

import "sync"

// Room fans frames out to the connections currently in one conversation.
type Room struct {
	id      string
	mutex   sync.RWMutex
	clients map[*Client]bool
}

func newRoom(id string) *Room {
	return &Room{id: id, clients: make(map[*Client]bool)}
}

func (room *Room) add(client *Client) {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	room.clients[client] = true
}

// remove returns how many members are left.
func (room *Room) remove(client *Client) int {
	room.mutex.Lock()
	defer room.mutex.Unlock()
	delete(room.clients, client)
	return len(room.clients)
}

func (room *Room) broadcast(payload []byte, skip *Client) {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	for client := range room.clients {
		if client == skip {
			continue
		}
		// a client that can't keep up gets dropped; its read pump does the cleanup
		if !client.enqueue(payload) {
			client.kick()
		}
	}
}
