package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"notiflow/internal/domain/notification"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inApp struct{ calls int }

func (t *inApp) Channel() notification.Channel { return notification.ChannelInApp }

func (t *inApp) Deliver(_ context.Context, msg *notification.Message) (notification.Receipt, error) {
	t.calls++
	return notification.Receipt{ProviderID: msg.NotificationID}, nil
}

func TestRetryDelay(t *testing.T) {
	delay := retryDelay(10 * time.Second)

	assert.Equal(t, 10*time.Second, delay(0, nil, nil))
	assert.Equal(t, 20*time.Second, delay(1, nil, nil))
	assert.Equal(t, 80*time.Second, delay(3, nil, nil))
	assert.Equal(t, 320*time.Second, delay(5, nil, nil))
	assert.Equal(t, 320*time.Second, delay(12, nil, nil))
	assert.Equal(t, 10*time.Second, delay(-1, nil, nil))
}

func TestMuxRoutesTasks(t *testing.T) {
	ctx := context.Background()
	store := notification.NewMemoryStore()
	transport := &inApp{}
	dispatcher := notification.NewDispatcher(time.Second, nil, transport)
	engine := notification.NewEngine(store, notification.NewEvaluator(time.Hour), dispatcher, nil, nil,
		notification.EngineConfig{LeaseTTL: time.Minute})
	mux := NewMux(notification.NewWorker(engine, nil))

	now := time.Now().UTC()
	n := notification.New("n-1", &notification.CreateRequest{UserID: "user-1", Title: "Stand-up", ScheduledFor: &now},
		notification.Defaults{MaxRetries: 3, RetryIntervalSeconds: 60}, now)
	require.NoError(t, store.Create(ctx, n))

	task, err := notification.NewDispatchTask(n.ID, n.Version)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(ctx, task))
	assert.Equal(t, 1, transport.calls)

	got, err := store.GetByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, got.Status)

	err = mux.ProcessTask(ctx, asynq.NewTask(notification.TaskTypeDispatch, []byte(`{}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	assert.NoError(t, mux.ProcessTask(ctx, notification.NewCleanupTask()))
}
