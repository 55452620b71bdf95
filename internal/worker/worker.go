package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is one periodic unit of work. The returned count is whatever the
// job considers "rows touched" and only feeds the status report.
type JobFunc func(ctx context.Context) (int64, error)

// Options configures a periodic runner.
type Options struct {
	Name     string
	Interval time.Duration
	// RunOnStart fires the job once immediately instead of waiting a full
	// interval after boot.
	RunOnStart bool
	// Enabled is consulted before every tick; nil means always enabled.
	Enabled func() bool
	Job     JobFunc
	Log     zerolog.Logger
}

// Status is a point-in-time snapshot of one runner.
type Status struct {
	Name        string     `json:"name"`
	Interval    string     `json:"interval"`
	Running     bool       `json:"running"`
	Enabled     bool       `json:"enabled"`
	LastStarted *time.Time `json:"last_started,omitempty"`
	LastOK      *time.Time `json:"last_ok,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RunCount    int64      `json:"run_count"`
	ErrorCount  int64      `json:"error_count"`
}

// Runner drives one job on a fixed interval until stopped.
type Runner struct {
	opts     Options
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu          sync.Mutex
	running     bool
	lastStarted *time.Time
	lastOK      *time.Time
	lastErr     string
	runCount    int64
	errCount    int64
}

func NewRunner(opts Options) *Runner {
	return &Runner{
		opts: opts,
		log:  opts.Log.With().Str("component", "worker").Str("job", opts.Name).Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (r *Runner) Start() {
	go r.loop()
}

// Stop signals the loop and waits for an in-flight run to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Runner) loop() {
	defer close(r.done)

	if r.opts.RunOnStart {
		r.runOnce()
	}

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Runner) runOnce() {
	if r.opts.Enabled != nil && !r.opts.Enabled() {
		return
	}

	started := time.Now().UTC()
	r.mu.Lock()
	r.running = true
	r.lastStarted = &started
	r.runCount++
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	affected, err := r.opts.Job(ctx)

	r.mu.Lock()
	r.running = false
	if err != nil {
		r.errCount++
		r.lastErr = err.Error()
	} else {
		now := time.Now().UTC()
		r.lastOK = &now
		r.lastErr = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Msg("job failed")
		return
	}
	r.log.Debug().Int64("affected", affected).Dur("took", time.Since(started)).Msg("job complete")
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	enabled := true
	if r.opts.Enabled != nil {
		enabled = r.opts.Enabled()
	}
	return Status{
		Name:        r.opts.Name,
		Interval:    r.opts.Interval.String(),
		Running:     r.running,
		Enabled:     enabled,
		LastStarted: r.lastStarted,
		LastOK:      r.lastOK,
		LastError:   r.lastErr,
		RunCount:    r.runCount,
		ErrorCount:  r.errCount,
	}
}

// Supervisor owns a set of runners and stops them in reverse start order.
type Supervisor struct {
	log     zerolog.Logger
	runners []*Runner
}

func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log.With().Str("component", "supervisor").Logger()}
}

func (s *Supervisor) Add(r *Runner) {
	s.runners = append(s.runners, r)
}

func (s *Supervisor) Start() {
	for _, r := range s.runners {
		r.Start()
	}
	s.log.Info().Int("workers", len(s.runners)).Msg("background workers started")
}

func (s *Supervisor) Stop() {
	for i := len(s.runners) - 1; i >= 0; i-- {
		s.runners[i].Stop()
	}
	s.log.Info().Msg("background workers stopped")
}

func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	return out
}
