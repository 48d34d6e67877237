package inapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPublisherDeliver(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	sub := rdb.Subscribe(ctx, Topic)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	p := NewPublisher(rdb)
	receipt, err := p.Deliver(ctx, &notification.Message{
		NotificationID: "n-1",
		UserID:         "user-1",
		Kind:           notification.KindDigest,
		Title:          "3 new notifications",
		DigestOf:       []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "n-1", receipt.ProviderID)
	assert.False(t, receipt.Pending)

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, EventNotification, ev.Type)
		assert.Equal(t, "user-1", ev.UserID)
		assert.Equal(t, []string{"a", "b", "c"}, ev.DigestOf)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestHubForwardsToUserSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb := newRedis(t)

	hub := NewHub(rdb, nil)
	go func() { _ = hub.Run(ctx) }()
	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(ctx, Topic).Result()
		return err == nil && n[Topic] > 0
	}, 2*time.Second, 10*time.Millisecond)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", hub.Stream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?user_id=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Connected("user-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	p := NewPublisher(rdb)
	_, err = p.Deliver(ctx, &notification.Message{NotificationID: "n-other", UserID: "user-2", Title: "not yours"})
	require.NoError(t, err)
	_, err = p.Deliver(ctx, &notification.Message{NotificationID: "n-1", UserID: "user-1", Title: "Stand-up in 5"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "n-1", ev.NotificationID)
	assert.Equal(t, "Stand-up in 5", ev.Title)
}

type fakeRecorder struct {
	owners map[string]string

	mu  sync.Mutex
	got []notification.InteractionRequest
}

func (f *fakeRecorder) Get(_ context.Context, id string) (*notification.Notification, error) {
	owner, ok := f.owners[id]
	if !ok {
		return nil, notification.ErrNotFound
	}
	return &notification.Notification{ID: id, UserID: owner, Status: notification.StatusDelivered}, nil
}

func (f *fakeRecorder) RecordInteraction(_ context.Context, id string, ev notification.InteractionRequest) (*notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return &notification.Notification{ID: id, UserID: f.owners[id], Status: notification.StatusRead}, nil
}

func (f *fakeRecorder) Recorded() []notification.InteractionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification.InteractionRequest(nil), f.got...)
}

func TestHubRecordsClientInteractions(t *testing.T) {
	rec := &fakeRecorder{owners: map[string]string{"n-1": "user-1", "n-2": "user-2"}}
	hub := NewHub(newRedis(t), nil).WithRecorder(rec)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", hub.Stream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?user_id=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(frame string) Event {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	ack := roundTrip(`{"notification_id":"n-1","type":"opened","event_id":"evt-1"}`)
	assert.Equal(t, EventInteraction, ack.Type)
	assert.Equal(t, "n-1", ack.NotificationID)
	assert.Equal(t, string(notification.StatusRead), ack.Status)

	foreign := roundTrip(`{"notification_id":"n-2","type":"dismissed"}`)
	assert.Equal(t, EventError, foreign.Type)
	assert.Equal(t, "notification not found", foreign.Error)

	bad := roundTrip(`{"type":"opened"}`)
	assert.Equal(t, EventError, bad.Type)

	got := rec.Recorded()
	require.Len(t, got, 1)
	assert.Equal(t, notification.InteractionOpened, got[0].Type)
	assert.Equal(t, "evt-1", got[0].EventID)
}

func TestStreamRequiresUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", NewHub(newRedis(t), nil).Stream)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendToUserWithoutSocket(t *testing.T) {
	hub := NewHub(newRedis(t), nil)

	assert.False(t, hub.SendToUser("user-1", []byte(`{}`)))
	assert.Zero(t, hub.Connected("user-1"))
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := originChecker(nil)
	assert.True(t, open(req("https://evil.example")))

	wildcard := originChecker([]string{"*"})
	assert.True(t, wildcard(req("https://evil.example")))

	strict := originChecker([]string{"https://app.example.com"})
	assert.True(t, strict(req("https://app.example.com")))
	assert.True(t, strict(req("")))
	assert.False(t, strict(req("https://evil.example")))
}
