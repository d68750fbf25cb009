package integration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/queue"
	"wipsie-worker/internal/queue/memory"
)

var _ = Describe("Task Lifecycle", func() {
	var (
		s   *stack
		ctx context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newStack()
	})

	AfterEach(func() {
		s.stop()
	})

	Describe("Publishing and processing", func() {
		It("routes data_polling to its queue with the payload intact", func() {
			receipt, err := s.producer.Publish(ctx, "data_polling", map[string]any{"source": "weather"})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Queue).To(Equal("wipsie-data-polling"))
			Expect(receipt.Status).To(Equal(domain.ReceiptStatusSent))

			msgs, err := s.broker.Receive(ctx, "wipsie-data-polling", 1, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))

			env, err := domain.ParseEnvelope(msgs[0].Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Kind()).To(Equal("data_polling"))
			Expect(env.Data).To(Equal(map[string]any{"source": "weather"}))
			Expect(msgs[0].Attribute(queue.AttrTaskType)).To(Equal("data_polling"))
			Expect(msgs[0].Attribute(queue.AttrSource)).To(Equal("integration"))
		})

		It("processes a data_polling task and empties the queue", func() {
			before := s.describe("wipsie-data-polling").MessagesAvailable

			receipt, err := s.producer.Publish(ctx, "data_polling", map[string]any{"source": "weather"})
			Expect(err).NotTo(HaveOccurred())

			s.start()

			Eventually(s.record(receipt.MessageID), 5*time.Second, 20*time.Millisecond).Should(
				HaveField("State", domain.TaskSucceeded))

			rec := s.record(receipt.MessageID)()
			Expect(rec.Queue).To(Equal("wipsie-data-polling"))
			Expect(rec.Attempt).To(Equal(1))
			Expect(rec.Output).To(HaveKeyWithValue("source", "weather"))

			info := s.describe("wipsie-data-polling")
			Expect(info.MessagesAvailable).To(Equal(before))
			Expect(info.MessagesInFlight).To(Equal(0))
		})

		It("sends unrouted task types to the default queue", func() {
			receipt, err := s.producer.Publish(ctx, "health_check", map[string]any{})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Queue).To(Equal("wipsie-default"))
		})

		It("routes the same task type to the same queue from many goroutines", func() {
			var wg sync.WaitGroup
			seen := make(chan string, 50)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					seen <- s.router.Route("flaky_report")
				}()
			}
			wg.Wait()
			close(seen)

			for q := range seen {
				Expect(q).To(Equal("wipsie-retry"))
			}
		})
	})

	Describe("Retries", func() {
		It("succeeds on the third attempt after two transient failures", func() {
			var calls atomic.Int32
			s.registry.MustRegister("flaky_report", func(context.Context, map[string]any) domain.Result {
				if calls.Add(1) < 3 {
					return domain.Retry(errors.New("upstream timeout"))
				}
				return domain.Success(map[string]any{"ok": true})
			})

			receipt, err := s.producer.Publish(ctx, "flaky_report", map[string]any{})
			Expect(err).NotTo(HaveOccurred())
			Expect(receipt.Queue).To(Equal("wipsie-retry"))

			s.start()

			Eventually(s.record(receipt.MessageID), 5*time.Second, 20*time.Millisecond).Should(
				HaveField("State", domain.TaskSucceeded))
			Expect(s.record(receipt.MessageID)().Attempt).To(Equal(3))
			Expect(calls.Load()).To(Equal(int32(3)))

			info := s.describe("wipsie-retry")
			Expect(info.MessagesAvailable + info.MessagesInFlight).To(Equal(0))
			Expect(s.describe("wipsie-dead-letter").MessagesAvailable).To(Equal(0))
		})

		It("dead-letters a task that keeps failing once the receive limit is reached", func() {
			var calls atomic.Int32
			s.registry.MustRegister("always_fails", func(context.Context, map[string]any) domain.Result {
				calls.Add(1)
				return domain.Retry(errors.New("still broken"))
			})

			receipt, err := s.producer.Publish(ctx, "always_fails", map[string]any{"n": 1})
			Expect(err).NotTo(HaveOccurred())

			s.start()

			Eventually(s.record(receipt.MessageID), 5*time.Second, 20*time.Millisecond).Should(
				HaveField("State", domain.TaskDeadLettered))
			Expect(s.record(receipt.MessageID)().Attempt).To(Equal(2))
			Expect(calls.Load()).To(Equal(int32(2)))

			info := s.describe("wipsie-strict")
			Expect(info.MessagesAvailable + info.MessagesInFlight).To(Equal(0))

			dead, err := s.broker.Receive(ctx, "wipsie-dead-letter", 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(dead).To(HaveLen(1))
			Expect(dead[0].Attribute(queue.AttrDeadLetterReason)).To(Equal(queue.ReasonMaxReceiveCount))
			Expect(dead[0].Attribute(queue.AttrSourceQueue)).To(Equal("wipsie-strict"))
			Expect(dead[0].Attribute(queue.AttrOriginalMessageID)).To(Equal(receipt.MessageID))
			Expect(dead[0].Attribute(queue.AttrTaskType)).To(Equal("always_fails"))
		})

		It("dead-letters an unknown task type without retrying", func() {
			receipt, err := s.producer.Publish(ctx, "no_such_task", map[string]any{})
			Expect(err).NotTo(HaveOccurred())

			s.start()

			Eventually(s.record(receipt.MessageID), 5*time.Second, 20*time.Millisecond).Should(
				HaveField("State", domain.TaskDeadLettered))
			rec := s.record(receipt.MessageID)()
			Expect(rec.Attempt).To(Equal(1))
			Expect(rec.ErrorDetail).To(ContainSubstring("UnsupportedTaskType"))

			dead, err := s.broker.Receive(ctx, "wipsie-dead-letter", 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(dead).To(HaveLen(1))
			Expect(dead[0].Attribute(queue.AttrDeadLetterReason)).To(Equal(queue.ReasonPermanentFailure))
		})
	})

	Describe("HTTP API", func() {
		It("accepts a task and exposes its result", func() {
			s.start()

			req := httptest.NewRequest(http.MethodPost, "/v1/tasks",
				strings.NewReader(`{"task_type":"data_polling","payload":{"source":"weather"}}`))
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.server.App().Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			_ = resp.Body.Close()

			Eventually(s.records(domain.TaskSucceeded), 5*time.Second, 20*time.Millisecond).Should(HaveLen(1))

			resp, err = s.server.App().Test(httptest.NewRequest(http.MethodGet, "/v1/results?state=succeeded", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			body, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(body)).To(ContainSubstring(`"task_type":"data_polling"`))
		})
	})
})

var _ = Describe("Broker Leases", func() {
	var (
		broker *memory.Broker
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		broker, err = memory.New([]memory.QueueOptions{
			{Name: "short", VisibilityTimeout: 100 * time.Millisecond},
			{Name: "limited", VisibilityTimeout: 50 * time.Millisecond, MaxReceiveCount: 2, DeadLetterQueue: "limited-dlq"},
			{Name: "limited-dlq", VisibilityTimeout: time.Second},
		}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(broker.Close()).To(Succeed())
	})

	It("round-trips a message and leaves the queue empty after delete", func() {
		id, err := broker.Send(ctx, "short", map[string]any{"task_type": "x", "data": map[string]any{"k": "v"}}, nil)
		Expect(err).NotTo(HaveOccurred())

		msgs, err := broker.Receive(ctx, "short", 1, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].ID).To(Equal(id))
		Expect(msgs[0].DeliveryCount).To(Equal(1))
		Expect(string(msgs[0].Body)).To(MatchJSON(`{"task_type":"x","data":{"k":"v"}}`))

		Expect(broker.Delete(ctx, "short", msgs[0].LeaseToken)).To(Succeed())

		msgs, err = broker.Receive(ctx, "short", 1, 200*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())
	})

	It("treats a second delete of the same lease as already gone", func() {
		_, err := broker.Send(ctx, "short", map[string]any{"n": 1}, nil)
		Expect(err).NotTo(HaveOccurred())
		msgs, err := broker.Receive(ctx, "short", 1, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(broker.Delete(ctx, "short", msgs[0].LeaseToken)).To(Succeed())

		err = broker.Delete(ctx, "short", msgs[0].LeaseToken)
		Expect(errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrLeaseExpired)).To(BeTrue(),
			"second delete returned %v", err)
	})

	It("lets exactly one of many concurrent deletes succeed", func() {
		_, err := broker.Send(ctx, "short", map[string]any{"n": 1}, nil)
		Expect(err).NotTo(HaveOccurred())
		msgs, err := broker.Receive(ctx, "short", 1, 0)
		Expect(err).NotTo(HaveOccurred())
		token := msgs[0].LeaseToken

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if broker.Delete(ctx, "short", token) == nil {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()

		Expect(succeeded.Load()).To(Equal(int32(1)))
	})

	It("redelivers an expired lease once with a higher delivery count", func() {
		_, err := broker.Send(ctx, "short", map[string]any{"n": 1}, nil)
		Expect(err).NotTo(HaveOccurred())

		first, err := broker.Receive(ctx, "short", 1, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(HaveLen(1))

		second, err := broker.Receive(ctx, "short", 10, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(HaveLen(1))
		Expect(second[0].ID).To(Equal(first[0].ID))
		Expect(second[0].DeliveryCount).To(Equal(first[0].DeliveryCount + 1))
		Expect(second[0].LeaseToken).NotTo(Equal(first[0].LeaseToken))

		err = broker.Delete(ctx, "short", first[0].LeaseToken)
		Expect(err).To(MatchError(queue.ErrLeaseExpired))
		Expect(broker.Delete(ctx, "short", second[0].LeaseToken)).To(Succeed())
	})

	It("never hands out a message past its receive limit", func() {
		_, err := broker.Send(ctx, "limited", map[string]any{"n": 1}, nil)
		Expect(err).NotTo(HaveOccurred())

		for attempt := 1; attempt <= 2; attempt++ {
			msgs, err := broker.Receive(ctx, "limited", 1, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].DeliveryCount).To(Equal(attempt))
		}

		msgs, err := broker.Receive(ctx, "limited", 1, 300*time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(BeEmpty())

		dead, err := broker.Receive(ctx, "limited-dlq", 1, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].Attribute(queue.AttrDeadLetterReason)).To(Equal(queue.ReasonMaxReceiveCount))
	})
})
