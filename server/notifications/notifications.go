package notifications

// Package notifications fans lifecycle changes out to interested parties:
// in-process watcher channels (which back the websocket API), and external
// webhook receivers.

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/infraroo/infraroo/pkg/gen"
	"github.com/infraroo/infraroo/server/trackdb"
)

// SYNC-WATCHER-CHANNEL-SIZE
const WatcherChannelSize = 100

const (
	EventTypeTransition = "transition"
	EventTypePass       = "pass"
)

// Event is one notification. Exactly one of Transition or Summary is set,
// according to Type.
type Event struct {
	Type       string                    `json:"type"`
	PassID     string                    `json:"passID,omitempty"`
	Transition *trackdb.StatusTransition `json:"transition,omitempty"`
	Summary    *trackdb.ScanPassSummary  `json:"summary,omitempty"`
}

// Hub receives transitions from the tracker and delivers them. Watcher
// channels that fall behind drop events rather than stalling a scan pass;
// webhook delivery is asynchronous for the same reason.
type Hub struct {
	log    logs.Log
	client *http.Client

	watchersLock sync.RWMutex
	watchers     []chan *Event

	webhooks []string
	queue    chan *Event
	done     chan struct{}
}

func NewHub(log logs.Log, webhookURLs []string) *Hub {
	h := &Hub{
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		webhooks: webhookURLs,
		queue:    make(chan *Event, 1000),
		done:     make(chan struct{}),
	}
	go h.deliverWebhooks()
	return h
}

// Close stops webhook delivery after draining the queue.
func (h *Hub) Close() {
	close(h.queue)
	<-h.done
}

// AddWatcher registers for all subsequent events.
func (h *Hub) AddWatcher() chan *Event {
	h.watchersLock.Lock()
	defer h.watchersLock.Unlock()
	ch := make(chan *Event, WatcherChannelSize)
	h.watchers = append(h.watchers, ch)
	return ch
}

func (h *Hub) RemoveWatcher(ch chan *Event) {
	h.watchersLock.Lock()
	defer h.watchersLock.Unlock()
	for i, w := range h.watchers {
		if w == ch {
			h.watchers = gen.DeleteFromSliceUnordered(h.watchers, i)
			return
		}
	}
	h.log.Warnf("Hub.RemoveWatcher failed to find channel")
}

// LocationTransitioned implements the tracker's notifier contract.
func (h *Hub) LocationTransitioned(trans trackdb.StatusTransition) {
	h.publish(&Event{
		Type:       EventTypeTransition,
		Transition: &trans,
	})
}

// PassCompleted implements the tracker's notifier contract.
func (h *Hub) PassCompleted(passID string, summary *trackdb.ScanPassSummary) {
	h.publish(&Event{
		Type:    EventTypePass,
		PassID:  passID,
		Summary: summary,
	})
}

func (h *Hub) publish(ev *Event) {
	h.watchersLock.RLock()
	for _, ch := range h.watchers {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			// A stalled websocket client must not stall the scan pass.
			h.log.Warnf("Notification watcher is falling behind. I am going to drop events.")
		} else {
			ch <- ev
		}
	}
	h.watchersLock.RUnlock()

	if len(h.webhooks) != 0 {
		select {
		case h.queue <- ev:
		default:
			h.log.Warnf("Webhook queue is full. I am going to drop events.")
		}
	}
}

func (h *Hub) deliverWebhooks() {
	defer close(h.done)
	for ev := range h.queue {
		body, err := json.Marshal(ev)
		if err != nil {
			h.log.Errorf("Failed to marshal notification: %v", err)
			continue
		}
		for _, url := range h.webhooks {
			resp, err := h.client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				h.log.Warnf("Webhook %v failed: %v", url, err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				h.log.Warnf("Webhook %v returned status %v", url, resp.StatusCode)
			}
		}
	}
}
