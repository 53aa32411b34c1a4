package dynlistener

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// housekeeper is what the timer maintains.
type housekeeper interface {
	ReapFinishedWorkers() (reaped, replaced int)
	rollupStats() Stats
	Workers() []*Worker
	recordProcessUsage(usage ProcessUsage)
}

// Task is a maintenance job run on every housekeeping tick.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Timer runs the low frequency maintenance off the event loop: worker
// reaping, the statistics line, process usage and registered tasks.
type Timer struct {
	interval time.Duration
	target   housekeeper
	routine  *routine
	logger   zerolog.Logger

	lock  sync.Mutex
	tasks []Task

	proc *process.Process
}

func NewTimer(target housekeeper, interval time.Duration, logger zerolog.Logger) *Timer {
	t := &Timer{
		interval: interval,
		target:   target,
		routine:  newRoutine("housekeeping", false),
		logger:   logger.With().Str("component", "housekeeping").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.logger.Warn().Msgf("process usage is not available: %+v", err)
	} else {
		t.proc = proc
	}
	return t
}

func (t *Timer) AddTask(name string, run func(ctx context.Context) error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.tasks = append(t.tasks, Task{Name: name, Run: run})
}

func (t *Timer) Start() {
	t.routine.start(t.run)
}

// Stop is observed once per tick at the latest.
func (t *Timer) Stop() {
	t.routine.requestStop()
	t.routine.wait(0)
}

func (t *Timer) run(stop <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Timer) tick(ctx context.Context) {
	reaped, replaced := t.target.ReapFinishedWorkers()
	if reaped > 0 {
		t.logger.Info().Msgf("reaped %d finished workers, %d replaced", reaped, replaced)
	}
	if usage, ok := t.sampleProcess(); ok {
		t.target.recordProcessUsage(usage)
	}

	stats := t.target.rollupStats()
	t.logger.Info().
		Int("connections", stats.CurrentConnections).
		Uint64("accepted", stats.Accepted).
		Uint64("requests", stats.Requests).
		Uint64("bytes_in", stats.BytesIn).
		Uint64("bytes_out", stats.BytesOut).
		Uint64("throttles", stats.Throttles).
		Uint64("queue_rejections", stats.QueueRejections).
		Uint64("max_conn_rejections", stats.MaxConnRejections).
		Int("queue_depth", stats.QueueDepth).
		Int("queue_high_watermark", stats.QueueHighWatermark).
		Int("busy_workers", stats.BusyWorkers).
		Int("idle_workers", stats.IdleWorkers).
		Float64("conn_per_sec", stats.ConnectionsPerSecond).
		Float64("req_per_sec", stats.RequestsPerSecond).
		Float64("throttles_per_sec", stats.ThrottlesPerSecond).
		Float64("in_per_sec", stats.BytesInPerSecond).
		Float64("out_per_sec", stats.BytesOutPerSecond).
		Uint64("rss", stats.ProcessUsage.RSS).
		Int32("open_files", stats.ProcessUsage.OpenFiles).
		Msg("listener stats")
	if stats.MaxConnRejections > 0 {
		t.logger.Warn().Msgf("%d connections refused so far, max connections reached", stats.MaxConnRejections)
	}

	if t.logger.GetLevel() <= zerolog.DebugLevel {
		for _, worker := range t.target.Workers() {
			t.logger.Debug().Msgf("worker %d busy: %t processed: %d", worker.ID(), worker.Busy(), worker.Processed())
		}
	}

	t.lock.Lock()
	tasks := append([]Task(nil), t.tasks...)
	t.lock.Unlock()
	for _, task := range tasks {
		taskCtx, cancel := context.WithTimeout(ctx, t.interval)
		err := task.Run(taskCtx)
		cancel()
		if err != nil {
			t.logger.Error().Str("task", task.Name).Msgf("housekeeping task failed: %+v", err)
		}
	}
}

func (t *Timer) sampleProcess() (ProcessUsage, bool) {
	if t.proc == nil {
		return ProcessUsage{}, false
	}
	var usage ProcessUsage
	if times, err := t.proc.Times(); err == nil {
		usage.CPUUser = time.Duration(times.User * float64(time.Second))
		usage.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
	if mem, err := t.proc.MemoryInfo(); err == nil {
		usage.RSS = mem.RSS
	}
	if fds, err := t.proc.NumFDs(); err == nil {
		usage.OpenFiles = fds
	}
	return usage, true
}
