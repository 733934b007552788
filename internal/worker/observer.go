package worker

import (
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// Observer receives job lifecycle notifications from a Pool. Methods are
// called from worker goroutines and must not block.
type Observer interface {
	JobStarted(job *queue.Job)
	JobCompleted(job *queue.Job, took time.Duration)
	JobFailed(job *queue.Job, err error, willRetry bool)
}

type nopObserver struct{}

func (nopObserver) JobStarted(*queue.Job)                  {}
func (nopObserver) JobCompleted(*queue.Job, time.Duration) {}
func (nopObserver) JobFailed(*queue.Job, error, bool)      {}

// Observers fans notifications out to several observers in order.
type Observers []Observer

func (o Observers) JobStarted(job *queue.Job) {
	for _, obs := range o {
		obs.JobStarted(job)
	}
}

func (o Observers) JobCompleted(job *queue.Job, took time.Duration) {
	for _, obs := range o {
		obs.JobCompleted(job, took)
	}
}

func (o Observers) JobFailed(job *queue.Job, err error, willRetry bool) {
	for _, obs := range o {
		obs.JobFailed(job, err, willRetry)
	}
}
