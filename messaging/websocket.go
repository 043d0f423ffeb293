package messaging

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// WSManager fans environment events out to connected websocket clients.
type WSManager struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

var (
	wsManager *WSManager
	once      sync.Once
)

// GetWSManager returns the process-wide websocket manager, starting its
// broadcast loop on first use.
func GetWSManager() *WSManager {
	once.Do(func() {
		wsManager = &WSManager{
			clients:    make(map[*websocket.Conn]bool),
			broadcast:  make(chan Event),
			register:   make(chan *websocket.Conn),
			unregister: make(chan *websocket.Conn),
		}
		go wsManager.run()
	})
	return wsManager
}

func (manager *WSManager) run() {
	for {
		select {
		case client := <-manager.register:
			manager.mu.Lock()
			manager.clients[client] = true
			manager.mu.Unlock()

		case client := <-manager.unregister:
			manager.mu.Lock()
			if _, ok := manager.clients[client]; ok {
				delete(manager.clients, client)
				client.Close()
			}
			manager.mu.Unlock()

		case event := <-manager.broadcast:
			manager.mu.Lock()
			for client := range manager.clients {
				if err := client.WriteJSON(event); err != nil {
					log.Printf("websocket write: %v", err)
					client.Close()
					delete(manager.clients, client)
				}
			}
			manager.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every connected client.
func (w *WSManager) Broadcast(ev Event) {
	w.broadcast <- ev
}

// ClientCount reports how many clients are currently registered.
func (w *WSManager) ClientCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.clients)
}

// Register returns the channel new client connections are handed to.
func (w *WSManager) Register() chan<- *websocket.Conn {
	return w.register
}

// Unregister returns the channel departing client connections are handed to.
func (w *WSManager) Unregister() chan<- *websocket.Conn {
	return w.unregister
}

// BridgeBus subscribes the manager to a bus so every event matching env (or
// all environments when empty) reaches the websocket clients.
func (w *WSManager) BridgeBus(bus *Bus, env string) (*nats.Subscription, error) {
	return bus.Subscribe(env, "", func(ev Event) {
		w.Broadcast(ev)
	})
}
