package http

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/websocket/v2"
	"github.com/nats-io/nats.go"

	natsadapter "github.com/samirrijal/safewatch/internal/adapters/nats"
	"github.com/samirrijal/safewatch/internal/pkg/metrics"
)

// wsMessage is sent from client to subscribe/unsubscribe to feeds.
type wsMessage struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Type   string `json:"type"`   // event type filter: enter, exit, dwell, breach ("" = all)
	UserID string `json:"user_id"`
}

// eventSubject builds the NATS subject for a filter. Empty fields match all.
func eventSubject(eventType, userID string) string {
	t := strings.ToLower(eventType)
	if t == "" {
		t = "*"
	}
	u := userID
	if u == "" {
		u = "*"
	}
	return natsadapter.EventsSubject + "." + t + "." + u
}

func validEventType(t string) bool {
	switch strings.ToLower(t) {
	case "", "enter", "exit", "dwell", "breach":
		return true
	}
	return false
}

// WebSocketHandler returns a handler that upgrades to WebSocket and relays
// geofence events from NATS to operator consoles.
// Clients send JSON: {"action":"subscribe","type":"breach","user_id":"u-1"}
// With no subscription message every event is relayed.
func WebSocketHandler(nc *nats.Conn) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		metrics.ActiveWebSockets.Inc()
		defer metrics.ActiveWebSockets.Dec()

		remoteAddr := c.RemoteAddr().String()
		slog.Info("ws client connected", "remote", remoteAddr)

		var mu sync.Mutex
		subs := make(map[string]*nats.Subscription) // subject -> subscription

		// Helper: thread-safe write
		writeJSON := func(v interface{}) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return c.WriteMessage(websocket.TextMessage, data)
		}

		// Auto-subscribe to every event by default
		defaultSubject := natsadapter.EventsSubject + ".>"
		sub, err := nc.Subscribe(defaultSubject, func(msg *nats.Msg) {
			_ = writeJSON(json.RawMessage(msg.Data))
		})
		if err != nil {
			slog.Error("ws default subscribe", "error", err)
			return
		}
		subs[defaultSubject] = sub

		// Keep-alive ping
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					err := c.WriteMessage(websocket.PingMessage, nil)
					mu.Unlock()
					if err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		// Read client messages for subscribe/unsubscribe
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				break
			}

			var m wsMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				_ = writeJSON(map[string]string{"error": "invalid JSON"})
				continue
			}
			if !validEventType(m.Type) {
				_ = writeJSON(map[string]string{"error": "unknown event type: " + m.Type})
				continue
			}
			subject := eventSubject(m.Type, m.UserID)

			switch m.Action {
			case "subscribe":
				// A narrower subscription replaces the catch-all.
				if s, ok := subs[defaultSubject]; ok && subject != defaultSubject {
					_ = s.Unsubscribe()
					delete(subs, defaultSubject)
				}
				if _, exists := subs[subject]; exists {
					_ = writeJSON(map[string]string{"status": "already subscribed", "subject": subject})
					continue
				}
				s, err := nc.Subscribe(subject, func(msg *nats.Msg) {
					_ = writeJSON(json.RawMessage(msg.Data))
				})
				if err != nil {
					_ = writeJSON(map[string]string{"error": "subscribe failed: " + err.Error()})
					continue
				}
				subs[subject] = s
				_ = writeJSON(map[string]string{"status": "subscribed", "subject": subject})

			case "unsubscribe":
				if s, exists := subs[subject]; exists {
					_ = s.Unsubscribe()
					delete(subs, subject)
					_ = writeJSON(map[string]string{"status": "unsubscribed", "subject": subject})
				} else {
					_ = writeJSON(map[string]string{"error": "not subscribed to " + subject})
				}

			default:
				_ = writeJSON(map[string]string{"error": "unknown action: " + m.Action})
			}
		}

		// Cleanup
		close(done)
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		slog.Info("ws client disconnected", "remote", remoteAddr)
	}
}
