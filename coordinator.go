package partstat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/bcongdon/partstat/internal/pkg/pstremote"
)

// Coordinator runs tasks against every partition of a PartitionSet. It
// starts one worker per host, accepts the sessions of the workers dialing
// back and collects their results.
type Coordinator struct {
	partitions *PartitionSet
	config     *config
	queue      *HostTaskQueue
	errors     *errorList
	bar        *pb.ProgressBar

	// mu guards the fields below. When both are needed, the queue's lock is
	// taken before mu.
	mu        sync.Mutex
	tasks     []Task
	antennas  []AntennaRecord
	bands     map[uint]BandInfo
	rowCounts map[uint]uint64
	conns     map[net.Conn]bool
	abandoned map[string]bool
	ran       bool
}

// config configures a Coordinator's run
type config struct {
	ListenAddress     string
	CoordinatorHost   string
	Commander         pstremote.Commander
	MaxReportedErrors int
	MaxConcurrency    int
	ReadTimeout       time.Duration
	RowChunkSize      uint64
}

func newConfig() *config {
	LoadConfig() // Load viper config from settings file(s) and environment
	listen := viper.GetString("listen_address")
	if listen == "" {
		listen = ":" + strconv.Itoa(viper.GetInt("port"))
	}
	return &config{
		ListenAddress:     listen,
		CoordinatorHost:   viper.GetString("coordinator_host"),
		Commander:         commanderFromConfig(),
		MaxReportedErrors: viper.GetInt("max_reported_errors"),
		MaxConcurrency:    viper.GetInt("max_concurrency"),
		ReadTimeout:       viper.GetDuration("read_timeout"),
		RowChunkSize:      uint64(viper.GetInt64("row_chunk_size")),
	}
}

// Option allows configuration of a Coordinator
type Option func(*config)

// WithListenAddress sets the address the coordinator accepts workers on.
func WithListenAddress(address string) Option {
	return func(c *config) {
		c.ListenAddress = address
	}
}

// WithCoordinatorHost sets the host name, optionally with a port, that
// workers dial. The port defaults to the port the coordinator listens on.
func WithCoordinatorHost(host string) Option {
	return func(c *config) {
		c.CoordinatorHost = host
	}
}

// WithCommander sets how workers are launched.
func WithCommander(commander pstremote.Commander) Option {
	return func(c *config) {
		c.Commander = commander
	}
}

// WithMaxReportedErrors sets how many error messages Errors keeps.
func WithMaxReportedErrors(n int) Option {
	return func(c *config) {
		c.MaxReportedErrors = n
	}
}

// WithMaxConcurrency bounds the number of workers being launched at once.
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.MaxConcurrency = n
	}
}

// WithReadTimeout bounds the wait for each worker response. Zero disables
// the timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *config) {
		c.ReadTimeout = d
	}
}

// WithRowChunkSize sets the number of rows a RewriteRowsTask moves per
// request.
func WithRowChunkSize(n uint64) Option {
	return func(c *config) {
		c.RowChunkSize = n
	}
}

// NewCoordinator creates a Coordinator for partitions with optional
// configuration.
func NewCoordinator(partitions *PartitionSet, options ...Option) *Coordinator {
	c := newConfig()
	for _, f := range options {
		f(c)
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.RowChunkSize == 0 {
		c.RowChunkSize = 1
	}
	log.Debugf("Loaded config: %#v", c)

	return &Coordinator{
		partitions: partitions,
		config:     c,
		queue:      NewHostTaskQueue(),
		errors:     newErrorList(c.MaxReportedErrors),
		bands:      make(map[uint]BandInfo),
		rowCounts:  make(map[uint]uint64),
		conns:      make(map[net.Conn]bool),
		abandoned:  make(map[string]bool),
	}
}

// PushTask queues task to be run against every partition. Tasks run in the
// order they were pushed.
func (c *Coordinator) PushTask(task Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
}

// Run starts the workers and serves them until every host has finished.
// Failures of individual hosts do not end the run; they are reported by
// Errors. Run returns an error for local failures, such as an invalid task
// or an address that cannot be listened on, or when a worker could not be
// spawned. Run may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return errors.New("coordinator has already run")
	}
	c.ran = true
	tasks := append([]Task{}, c.tasks...)
	c.mu.Unlock()

	for _, task := range tasks {
		if err := task.validate(); err != nil {
			return err
		}
	}
	if len(tasks) == 0 {
		log.Warn("No tasks queued")
	}

	c.queue.Initialize(c.partitions)
	hosts := c.queue.ListHosts()
	if len(hosts) == 0 {
		log.Warn("No partitions")
		return nil
	}

	listener, err := net.Listen("tcp", c.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening for workers: %w", err)
	}
	defer listener.Close()
	address, err := c.advertisedAddress(listener.Addr())
	if err != nil {
		return err
	}
	log.Infof("Waiting for %d workers on %s", len(hosts), address)

	c.bar = pb.New(len(c.partitions.Items)).Prefix("Partitions").Start()
	defer c.bar.Finish()

	var sessions sync.WaitGroup
	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		c.acceptSessions(listener, tasks, &sessions)
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			log.Warnf("Run cancelled: %s", ctx.Err())
			listener.Close()
			c.closeSessions()
		case <-stop:
		}
	}()

	handles, spawnErr := c.startWorkers(ctx, hosts, address)
	for _, h := range handles {
		h.Join()
	}
	log.Debug("All workers finished")

	listener.Close()
	<-accepted
	sessions.Wait()

	if spawnErr != nil {
		return spawnErr
	}
	return ctx.Err()
}

// advertisedAddress returns the address workers are told to dial.
func (c *Coordinator) advertisedAddress(listening net.Addr) (string, error) {
	_, port, err := net.SplitHostPort(listening.String())
	if err != nil {
		return "", err
	}
	host := c.config.CoordinatorHost
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			return "", fmt.Errorf("determining coordinator host name: %w", err)
		}
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, port), nil
}

// startWorkers launches a worker for every host, at most MaxConcurrency at
// a time. Hosts whose worker cannot be spawned are dropped from the queue
// and the first spawn error is returned.
func (c *Coordinator) startWorkers(ctx context.Context, hosts []HostIdentity, address string) ([]*pstremote.Handle, error) {
	handles := make([]*pstremote.Handle, len(hosts))
	for i, host := range hosts {
		handles[i] = pstremote.NewHandle(c.config.Commander, host.FullName, c.workerFinished)
	}

	var g errgroup.Group
	sem := semaphore.NewWeighted(int64(c.config.MaxConcurrency))
	for _, h := range handles {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		h := h
		g.Go(func() error {
			defer sem.Release(1)
			if err := h.Start(address); err != nil {
				host := NewHostIdentity(h.ClientHost())
				c.abandonHost(host, "host %s: %s", host, err)
				return err
			}
			return nil
		})
	}
	return handles, g.Wait()
}

// workerFinished is called once the worker process of a host terminated.
// Hosts whose failure was already recorded are not reported again.
func (c *Coordinator) workerFinished(h *pstremote.Handle, failed bool, exitStatus int) {
	host := NewHostIdentity(h.ClientHost())
	if c.isAbandoned(host) {
		log.Debugf("Worker on %s exited with status %d", host, exitStatus)
		return
	}
	if failed {
		c.abandonHost(host, "host %s: worker exited with status %d", host, exitStatus)
		return
	}
	if n := c.queue.Len(host); n > 0 {
		c.abandonHost(host, "host %s: worker finished with %d partitions unprocessed", host, n)
		return
	}
	log.Debugf("Worker on %s finished", host)
}

// abandonHost records an error and skips the remaining partitions of host.
// Only the first call for a host records its error.
func (c *Coordinator) abandonHost(host HostIdentity, format string, args ...interface{}) {
	pending := c.queue.Len(host)
	c.queue.RemoveHost(host)

	c.mu.Lock()
	first := !c.abandoned[host.ShortName]
	c.abandoned[host.ShortName] = true
	c.mu.Unlock()
	if !first {
		log.Debugf("Host %s already abandoned: %s", host, fmt.Sprintf(format, args...))
		return
	}
	c.errors.Addf(format, args...)
	if pending > 0 {
		log.Warnf("Skipping %d partitions of %s", pending, host)
		if c.bar != nil {
			c.bar.Add(pending)
		}
	}
}

func (c *Coordinator) isAbandoned(host HostIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned[host.ShortName]
}

func (c *Coordinator) acceptSessions(listener net.Listener, tasks []Task, sessions *sync.WaitGroup) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Debugf("Stopped accepting workers: %s", err)
			return
		}
		if !c.trackSession(conn) {
			conn.Close()
			return
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			defer c.untrackSession(conn)
			c.serveSession(conn, tasks)
		}()
	}
}

// trackSession registers conn so that cancelling the run closes it. It
// returns false once the run has been cancelled.
func (c *Coordinator) trackSession(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns == nil {
		return false
	}
	c.conns[conn] = true
	return true
}

func (c *Coordinator) untrackSession(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn)
}

func (c *Coordinator) closeSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
}

// Antennas returns the antenna table of the first partition that answered
// a ReadAntennasTask.
func (c *Coordinator) Antennas() []AntennaRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AntennaRecord{}, c.antennas...)
}

// Bands returns the band of every partition that answered a ReadBandTask,
// by partition index.
func (c *Coordinator) Bands() map[uint]BandInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	bands := make(map[uint]BandInfo, len(c.bands))
	for index, band := range c.bands {
		bands[index] = band
	}
	return bands
}

// RowCounts returns the row count of every partition that answered a
// CountRowsTask, by partition index.
func (c *Coordinator) RowCounts() map[uint]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[uint]uint64, len(c.rowCounts))
	for index, n := range c.rowCounts {
		counts[index] = n
	}
	return counts
}

// Errors returns the errors of the run. Only the first MaxReportedErrors
// messages are kept; a final line counts the rest.
func (c *Coordinator) Errors() []string {
	return c.errors.Messages()
}
