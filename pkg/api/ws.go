package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"ncm-console/pkg/model"
)

// StepMessage is the envelope streamed to task subscribers.
type StepMessage struct {
	Type   string         `json:"type"` // task_step
	TaskID string         `json:"taskId"`
	Step   model.TaskStep `json:"step"`
}

// WSHub fans task step updates out to UI subscribers keyed by task ID.
// Recent steps are buffered so a subscriber that connects mid-task still
// sees the full progress trail.
type WSHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[string]map[*websocket.Conn]struct{} // taskID -> subscribers
	backlog  map[string][]StepMessage                // taskID -> buffered steps
}

const backlogLimit = 200

func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs:    map[string]map[*websocket.Conn]struct{}{},
		backlog: map[string][]StepMessage{},
	}
}

// HandleTaskWS upgrades a subscriber connection; expects ?taskId=xxx.
func (h *WSHub) HandleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		http.Error(w, "taskId required", http.StatusBadRequest)
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed task=%s err=%v", taskID, err)
		return
	}
	h.mu.Lock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = map[*websocket.Conn]struct{}{}
	}
	h.subs[taskID][c] = struct{}{}
	replay := make([]StepMessage, len(h.backlog[taskID]))
	copy(replay, h.backlog[taskID])
	h.mu.Unlock()

	for _, msg := range replay {
		if err := c.WriteJSON(msg); err != nil {
			h.closeSub(taskID, c)
			return
		}
	}
	log.Printf("task ws subscriber connected task=%s", taskID)
	go h.readLoop(taskID, c)
}

// PublishStep implements runner.Publisher.
func (h *WSHub) PublishStep(taskID string, step model.TaskStep) {
	msg := StepMessage{Type: "task_step", TaskID: taskID, Step: step}
	h.mu.Lock()
	h.backlog[taskID] = append(h.backlog[taskID], msg)
	if len(h.backlog[taskID]) > backlogLimit {
		h.backlog[taskID] = h.backlog[taskID][len(h.backlog[taskID])-backlogLimit:]
	}
	conns := make([]*websocket.Conn, 0, len(h.subs[taskID]))
	for c := range h.subs[taskID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(msg); err != nil {
			h.closeSub(taskID, c)
		}
	}
}

// Forget drops the backlog for a finished task.
func (h *WSHub) Forget(taskID string) {
	h.mu.Lock()
	delete(h.backlog, taskID)
	h.mu.Unlock()
}

func (h *WSHub) readLoop(taskID string, c *websocket.Conn) {
	defer h.closeSub(taskID, c)
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *WSHub) closeSub(taskID string, c *websocket.Conn) {
	_ = c.Close()
	h.mu.Lock()
	if subs, ok := h.subs[taskID]; ok {
		if _, ok := subs[c]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subs, taskID)
			}
			log.Printf("task ws subscriber disconnected task=%s", taskID)
		}
	}
	h.mu.Unlock()
}
