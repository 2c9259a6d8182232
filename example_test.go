package jobqueue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivere/jobqueue"
)

func ExampleManager() {
	// Create a new manager with 10 concurrent workers
	m := jobqueue.New(
		jobqueue.SetConcurrency(10),
		jobqueue.SetPollInterval(50*time.Millisecond),
	)

	// Register the handler for e-mails
	jobDone := make(chan struct{}, 1)
	err := m.Register(jobqueue.EmailProcessing, jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		var mail struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(job.Payload, &mail); err != nil {
			return nil, err
		}
		fmt.Printf("Send mail to %s\n", mail.To)
		jobDone <- struct{}{}
		return nil, nil
	}))
	if err != nil {
		fmt.Println("Register failed")
		return
	}

	// Start the manager
	err = m.Start()
	if err != nil {
		fmt.Println("Start failed")
		return
	}
	fmt.Println("Started")

	// Add a new job for tenant "acme"
	_, err = m.Add(context.Background(), "acme", jobqueue.EmailProcessing, map[string]string{"to": "a@b.com"})
	if err != nil {
		fmt.Println("Add failed")
		return
	}
	fmt.Println("Job added")

	// Wait for the job to complete
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		fmt.Println("Job timed out")
		return
	}

	// Stop/Close the manager
	err = m.Stop()
	if err != nil {
		fmt.Println("Stop failed")
		return
	}
	fmt.Println("Stopped")

	// Output:
	// Started
	// Job added
	// Send mail to a@b.com
	// Stopped
}

func ExampleManager_ProcessOne() {
	m := jobqueue.New()
	ctx := context.Background()

	_ = m.Register(jobqueue.RevenueAnalytics, jobqueue.HandlerFunc(func(ctx context.Context, job *jobqueue.Job) (interface{}, error) {
		return map[string]int{"revenue": 42}, nil
	}))
	_, _ = m.Add(ctx, "acme", jobqueue.RevenueAnalytics, nil, jobqueue.WithPriority(1))

	job, err := m.ProcessOne(ctx)
	if err != nil {
		fmt.Println("ProcessOne failed")
		return
	}
	fmt.Println(job.Status, string(job.Result))

	stats, _ := m.Stats(ctx, nil)
	fmt.Printf("%+v\n", *stats)

	// Output:
	// completed {"revenue":42}
	// {Pending:0 Processing:0 Completed:1 Failed:0}
}
