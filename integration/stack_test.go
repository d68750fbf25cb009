package integration

import (
	"context"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/gomega"

	"wipsie-worker/internal/api"
	"wipsie-worker/internal/config"
	"wipsie-worker/internal/dispatcher"
	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/lease"
	"wipsie-worker/internal/producer"
	"wipsie-worker/internal/queue"
	"wipsie-worker/internal/queue/memory"
	"wipsie-worker/internal/router"
	"wipsie-worker/internal/status"
	"wipsie-worker/internal/store"
	storemem "wipsie-worker/internal/store/memory"
	"wipsie-worker/internal/task"
	"wipsie-worker/internal/task/handlers"
)

const stackConfig = `
queues:
  - name: wipsie-default
    visibility_timeout: 2s
    poll_wait: 50ms
    dead_letter_queue: wipsie-dead-letter
  - name: wipsie-data-polling
    visibility_timeout: 2s
    poll_wait: 50ms
    dead_letter_queue: wipsie-dead-letter
  - name: wipsie-retry
    visibility_timeout: 2s
    poll_wait: 50ms
    max_receive_count: 3
    retry_policy: immediate
    dead_letter_queue: wipsie-dead-letter
  - name: wipsie-strict
    visibility_timeout: 2s
    poll_wait: 50ms
    max_receive_count: 2
    retry_policy: immediate
    dead_letter_queue: wipsie-dead-letter
  - name: wipsie-dead-letter
    consume: false
routing:
  default_queue: wipsie-default
  routes:
    - task_type: data_polling
      queue: wipsie-data-polling
    - task_type: flaky_*
      queue: wipsie-retry
    - task_type: always_fails
      queue: wipsie-strict
worker:
  source: integration
  shutdown_grace: 1s
  error_backoff: 10ms
dedup:
  enabled: true
  ttl: 1h
`

// stack is a complete in-process worker.
type stack struct {
	cfg        *config.Config
	broker     *memory.Broker
	router     *router.Router
	producer   *producer.Service
	registry   *task.Registry
	results    *storemem.ResultRepository
	tracker    *lease.Tracker
	dispatcher *dispatcher.Dispatcher
	server     *api.Server

	cancel context.CancelFunc
	done   chan error
}

func newStack() *stack {
	cfg, err := config.Parse([]byte(stackConfig))
	Expect(err).NotTo(HaveOccurred())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	broker, err := memory.NewFromConfig(cfg.Queues, logger)
	Expect(err).NotTo(HaveOccurred())

	r, err := router.FromConfig(cfg.Routing)
	Expect(err).NotTo(HaveOccurred())

	prod := producer.NewService(broker, r, cfg.Worker.Source, logger)

	registry := task.NewRegistry(logger)
	Expect(handlers.New(logger, handlers.DefaultNotifier(logger, prod)).Register(registry)).To(Succeed())

	results := storemem.NewResultRepository()
	tracker := lease.NewTracker(broker, logger)
	reporter := status.Multi{status.NewLogReporter(logger), status.NewStoreReporter(results)}

	s := &stack{
		cfg:        cfg,
		broker:     broker,
		router:     r,
		producer:   prod,
		registry:   registry,
		results:    results,
		tracker:    tracker,
		dispatcher: dispatcher.New(cfg, broker, registry, tracker, reporter, storemem.NewDedupStore(), logger),
	}
	s.server = api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		Client:        broker,
		TaskHandler:   api.NewTaskHandler(prod, registry, logger),
		QueueHandler:  api.NewQueueHandler(broker, logger),
		ResultHandler: api.NewResultHandler(results, logger),
		LeaseHandler:  api.NewLeaseHandler(tracker),
	})
	return s
}

func (s *stack) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.dispatcher.Run(ctx) }()
}

func (s *stack) stop() {
	if s.cancel != nil {
		s.cancel()
		Eventually(s.done, 5*time.Second).Should(Receive(BeNil()))
		s.cancel = nil
	}
	Expect(s.broker.Close()).To(Succeed())
}

func (s *stack) describe(name string) *queue.QueueInfo {
	info, err := s.broker.DescribeQueue(context.Background(), name)
	Expect(err).NotTo(HaveOccurred())
	return info
}

func (s *stack) record(messageID string) func() *domain.TaskRecord {
	return func() *domain.TaskRecord {
		rec, err := s.results.Get(context.Background(), messageID)
		if err != nil {
			return nil
		}
		return rec
	}
}

func (s *stack) records(state domain.TaskState) func() []*domain.TaskRecord {
	return func() []*domain.TaskRecord {
		recs, err := s.results.List(context.Background(), store.ResultFilter{State: state})
		Expect(err).NotTo(HaveOccurred())
		return recs
	}
}
