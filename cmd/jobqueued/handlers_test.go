package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olivere/jobqueue"
)

func newJob(typ jobqueue.Type, payload string) *jobqueue.Job {
	job := &jobqueue.Job{ID: "j1", Tenant: "acme", Type: typ}
	if payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	return job
}

func TestHandlersCoverAllTypes(t *testing.T) {
	hs := handlers(zap.NewNop())
	for _, typ := range jobqueue.Types {
		assert.Contains(t, hs, typ)
	}
}

func TestEmailProcessing(t *testing.T) {
	h := emailProcessing(zap.NewNop())

	v, err := h.Execute(context.Background(), newJob(jobqueue.EmailProcessing, `{"to":"a@b.com","subject":"Hi"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"message_id": "j1@jobqueue"}, v)

	_, err = h.Execute(context.Background(), newJob(jobqueue.EmailProcessing, `{"to":"nobody"}`))
	assert.EqualError(t, err, `invalid recipient "nobody"`)

	_, err = h.Execute(context.Background(), newJob(jobqueue.EmailProcessing, ""))
	assert.EqualError(t, err, "missing payload")
}

func TestRevenueAnalytics(t *testing.T) {
	v, err := revenueAnalytics(context.Background(), newJob(jobqueue.RevenueAnalytics, `{"amounts":[1.5,2.5]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"tenant": "acme", "revenue": 4.0, "count": 2}, v)

	v, err = revenueAnalytics(context.Background(), newJob(jobqueue.RevenueAnalytics, ""))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"tenant": "acme", "revenue": 0.0, "count": 0}, v)
}

func TestAIGenerationRequiresPrompt(t *testing.T) {
	_, err := aiGeneration(context.Background(), newJob(jobqueue.AIGeneration, `{"prompt":"  "}`))
	assert.EqualError(t, err, "prompt is empty")
}

func TestWorkHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := photoProcessing(ctx, newJob(jobqueue.PhotoProcessing, `{"url":"https://img/1.png"}`))
	assert.ErrorIs(t, err, context.Canceled)
}
