package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/models"
)

func TestPublishSubscribe(t *testing.T) {
	s := NewService(common.GetLogger())

	received := make(chan []byte, 1)
	require.NoError(t, s.Subscribe("test_channel", func(ctx context.Context, payload []byte) {
		received <- payload
	}))

	s.Publish(context.Background(), "test_channel", []byte("hello"))

	select {
	case payload := <-received:
		assert.Equal(t, "hello", string(payload))
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestSubscribeNilHandler(t *testing.T) {
	s := NewService(common.GetLogger())
	assert.Error(t, s.Subscribe("channel", nil))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	s := NewService(common.GetLogger())
	s.Publish(context.Background(), "empty", []byte("ignored"))
}

func TestPublishJobUpdatePayload(t *testing.T) {
	s := NewService(common.GetLogger())

	received := make(chan []byte, 1)
	require.NoError(t, s.Subscribe(ChannelJobUpdates, func(ctx context.Context, payload []byte) {
		received <- payload
	}))

	s.PublishJobUpdate(context.Background(), 42, models.StatusFinished, "All 3 subjobs completed successfully")

	select {
	case payload := <-received:
		var update JobUpdate
		require.NoError(t, json.Unmarshal(payload, &update))
		assert.Equal(t, int64(42), update.JobID)
		assert.Equal(t, "Finished", update.Status)
		assert.Equal(t, "All 3 subjobs completed successfully", update.Message)
		_, err := time.Parse(time.RFC3339, update.Timestamp)
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestPublishProgressFormat(t *testing.T) {
	s := NewService(common.GetLogger())

	received := make(chan []byte, 1)
	require.NoError(t, s.Subscribe(ProgressChannel("wire_reconstruction_7"), func(ctx context.Context, payload []byte) {
		received <- payload
	}))

	s.PublishProgress(context.Background(), "wire_reconstruction_7", 55, "depth slice 11 of 20")

	select {
	case payload := <-received:
		assert.Equal(t, "55|depth slice 11 of 20", string(payload))
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestProgressChannelName(t *testing.T) {
	assert.Equal(t, "job_progress:abc", ProgressChannel("abc"))
}
