package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/infraroo/infraroo/server/trackdb"
	"github.com/stretchr/testify/require"
)

func TestWatchers(t *testing.T) {
	hub := NewHub(logs.NewTestingLog(t), nil)
	defer hub.Close()

	ch1 := hub.AddWatcher()
	ch2 := hub.AddWatcher()

	hub.LocationTransitioned(trackdb.StatusTransition{
		LocationID: 7,
		Class:      "school_crossing",
		OldStatus:  trackdb.LocationStatusNew,
		NewStatus:  trackdb.LocationStatusConfirmed,
	})

	for _, ch := range []chan *Event{ch1, ch2} {
		ev := <-ch
		require.Equal(t, EventTypeTransition, ev.Type)
		require.Equal(t, int64(7), ev.Transition.LocationID)
		require.Equal(t, trackdb.LocationStatusConfirmed, ev.Transition.NewStatus)
	}

	hub.RemoveWatcher(ch1)
	hub.PassCompleted("p1", &trackdb.ScanPassSummary{New: 1})
	ev := <-ch2
	require.Equal(t, EventTypePass, ev.Type)
	require.Equal(t, "p1", ev.PassID)
	require.Len(t, ch1, 0)
}

func TestWebhookDelivery(t *testing.T) {
	received := make(chan Event, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev := Event{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
	}))
	defer server.Close()

	hub := NewHub(logs.NewTestingLog(t), []string{server.URL})
	hub.LocationTransitioned(trackdb.StatusTransition{
		LocationID: 3,
		NewStatus:  trackdb.LocationStatusDisappeared,
	})
	hub.Close()

	select {
	case ev := <-received:
		require.Equal(t, EventTypeTransition, ev.Type)
		require.Equal(t, int64(3), ev.Transition.LocationID)
		require.Equal(t, trackdb.LocationStatusDisappeared, ev.Transition.NewStatus)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never delivered")
	}
}

// A full watcher channel must not block the publisher.
func TestSlowWatcherDropsEvents(t *testing.T) {
	hub := NewHub(logs.NewTestingLog(t), nil)
	defer hub.Close()

	ch := hub.AddWatcher()
	for i := 0; i < WatcherChannelSize*2; i++ {
		hub.PassCompleted("p", &trackdb.ScanPassSummary{})
	}
	require.LessOrEqual(t, len(ch), WatcherChannelSize)
}
