package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"collabsync/backend/internal/ot/delta"
)

func TestKafkaDispatcher_PublishesAppliedOps(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != "OP_APPLIED" || evt.DocID != "doc" || evt.Version != 2 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		if len(evt.Ops) != 2 || evt.Ops[0].Kind != delta.KindRetain || evt.Ops[1].Text != "!" {
			return fmt.Errorf("unexpected ops %+v", evt.Ops)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	svc := NewInMemoryService(nil, nil, nil, d, Options{EnqueueTimeout: time.Second})
	ctx := context.Background()

	// 单个 worker 按入队顺序发送，只检查第二个版本的内容
	_, _ = svc.Submit(ctx, "doc", textChange("a", 1, 0, delta.Change{Start: 0, NewText: "hello"}), nil)
	_, _ = svc.Submit(ctx, "doc", textChange("b", 1, 0, delta.Change{Start: 0, NewText: "!"}), nil)

	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
}

func TestKafkaDispatcher_RetriesThenDrops(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sem := NewSemaphoreControl(1)
	d := NewKafkaDispatcher(producer, "doc-ops", sem, KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	ctx := context.Background()
	// 第一个事件重试一次后成功，第二个事件两次都失败后丢弃
	if err := d.Enqueue(ctx, DocOpEvent{DocID: "doc", Version: 1}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := d.Enqueue(ctx, DocOpEvent{DocID: "doc", Version: 2}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()

	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
	if sem.InUse() != 0 {
		t.Fatalf("semaphore in use = %d after close", sem.InUse())
	}
}

func TestKafkaDispatcher_EnqueueTimesOutWhenFull(t *testing.T) {
	// 没有 worker 消费时队列会满
	d := &KafkaDispatcher{shards: []chan DocOpEvent{make(chan DocOpEvent, 1)}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, DocOpEvent{DocID: "a"}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := d.Enqueue(ctx, DocOpEvent{DocID: "b"}); err == nil {
		t.Fatalf("Enqueue() on a full queue succeeded")
	}
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err != ErrAcquireTimeout {
		t.Fatalf("Acquire() on a full semaphore error = %v, want ErrAcquireTimeout", err)
	}
	if err := sem.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := sem.Release(); err != ErrNotAcquired {
		t.Fatalf("second Release() error = %v, want ErrNotAcquired", err)
	}
}
