package jobqueue

// worker is a single instance processing jobs.
type worker struct {
	m    *Manager
	jobc <-chan *Job
}

// newWorker creates a new worker. It spins up a new goroutine that waits
// on jobc for new jobs to process.
func newWorker(m *Manager, jobc <-chan *Job) *worker {
	w := &worker{m: m, jobc: jobc}
	go w.run()
	return w
}

// run is the main goroutine in the worker. It listens for new jobs, then
// calls process.
func (w *worker) run() {
	defer w.m.workersWg.Done()
	for job := range w.jobc {
		if err := w.process(job); err != nil {
			w.m.logger.Printf("jobqueue: job %v failed: %v", job.ID, err)
		}
	}
}

// process runs a single claimed job.
func (w *worker) process(job *Job) error {
	defer func() {
		w.m.mu.Lock()
		w.m.working--
		w.m.mu.Unlock()
	}()
	return w.m.execute(w.m.ctx, job)
}
