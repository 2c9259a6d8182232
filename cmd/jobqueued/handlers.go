package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/olivere/jobqueue"
)

// handlers returns the handlers of the platform's job types. They only
// validate their input and simulate the work; real integrations plug in
// here.
func handlers(logger *zap.Logger) map[jobqueue.Type]jobqueue.Handler {
	return map[jobqueue.Type]jobqueue.Handler{
		jobqueue.AIGeneration:     jobqueue.HandlerFunc(aiGeneration),
		jobqueue.PhotoProcessing:  jobqueue.HandlerFunc(photoProcessing),
		jobqueue.SocialMedia:      jobqueue.HandlerFunc(socialMedia),
		jobqueue.RevenueAnalytics: jobqueue.HandlerFunc(revenueAnalytics),
		jobqueue.EmailProcessing:  emailProcessing(logger),
	}
}

func decode(job *jobqueue.Job, v interface{}) error {
	if len(job.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// work simulates a call to an external service.
func work(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func aiGeneration(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := decode(job, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, errors.New("prompt is empty")
	}
	if err := work(ctx, 200*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"text":   "Generated content for: " + in.Prompt,
		"tokens": len(strings.Fields(in.Prompt)),
	}, nil
}

func photoProcessing(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
	var in struct {
		URL   string `json:"url"`
		Width int    `json:"width"`
	}
	if err := decode(job, &in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, errors.New("url is empty")
	}
	if in.Width <= 0 {
		in.Width = 256
	}
	if err := work(ctx, 100*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"thumbnail_url": fmt.Sprintf("%s?w=%d", in.URL, in.Width),
	}, nil
}

func socialMedia(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
	var in struct {
		Network string `json:"network"`
		Text    string `json:"text"`
	}
	if err := decode(job, &in); err != nil {
		return nil, err
	}
	if in.Network == "" || in.Text == "" {
		return nil, errors.New("network and text are required")
	}
	if err := work(ctx, 50*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]string{"post_id": job.Tenant + "-" + job.ID}, nil
}

func revenueAnalytics(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
	var in struct {
		Amounts []float64 `json:"amounts"`
	}
	if len(job.Payload) > 0 {
		if err := decode(job, &in); err != nil {
			return nil, err
		}
	}
	var total float64
	for _, a := range in.Amounts {
		total += a
	}
	return map[string]interface{}{
		"tenant":  job.Tenant,
		"revenue": total,
		"count":   len(in.Amounts),
	}, nil
}

func emailProcessing(logger *zap.Logger) jobqueue.Handler {
	return jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		var in struct {
			To      string `json:"to"`
			Subject string `json:"subject"`
		}
		if err := decode(job, &in); err != nil {
			return nil, err
		}
		if !strings.Contains(in.To, "@") {
			return nil, fmt.Errorf("invalid recipient %q", in.To)
		}
		if err := work(ctx, 50*time.Millisecond); err != nil {
			return nil, err
		}
		logger.Info("mail sent",
			zap.String("tenant", job.Tenant),
			zap.String("to", in.To),
			zap.String("subject", in.Subject),
		)
		return map[string]string{"message_id": job.ID + "@jobqueue"}, nil
	})
}
