package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/noesis/internal/types"
)

func openTestQueue(t *testing.T, maxAttempts int) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.sqlite"), maxAttempts)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueClaimAck(t *testing.T) {
	q := openTestQueue(t, 5)
	id, err := q.Enqueue("note/a", types.TaskEmbed, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tasks, err := q.Claim("worker-1", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("expected the enqueued task claimed, got %+v", tasks)
	}
	if tasks[0].Attempts != 1 {
		t.Fatalf("expected attempts incremented on claim, got %d", tasks[0].Attempts)
	}

	if err := q.Ack(id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	tasks, err = q.Claim("worker-1", 10)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty queue after ack, got %+v", tasks)
	}
}

func TestClaim_AtMostOneInFlightPerDoc(t *testing.T) {
	q := openTestQueue(t, 5)
	first, err := q.Enqueue("note/a", types.TaskSummarize, nil)
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if _, err := q.Enqueue("note/a", types.TaskEmbed, nil); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	tasks, err := q.Claim("worker-1", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != first {
		t.Fatalf("expected exactly the older task for note/a, got %+v", tasks)
	}

	// A second worker must not get the other note/a task while the first
	// is still processing.
	tasks, err = q.Claim("worker-2", 10)
	if err != nil {
		t.Fatalf("claim from second worker: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no claimable tasks while note/a is in flight, got %+v", tasks)
	}

	if err := q.Ack(first); err != nil {
		t.Fatalf("ack: %v", err)
	}
	tasks, err = q.Claim("worker-2", 10)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Kind != types.TaskEmbed {
		t.Fatalf("expected the second note/a task after ack, got %+v", tasks)
	}
}

func TestClaim_OtherDocsUnaffectedByInFlightClaim(t *testing.T) {
	q := openTestQueue(t, 5)
	if _, err := q.Enqueue("note/a", types.TaskEmbed, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue("note/b", types.TaskEmbed, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.Claim("worker-1", 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	tasks, err := q.Claim("worker-2", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 1 || tasks[0].DocID != "note/b" {
		t.Fatalf("expected note/b claimable while note/a is in flight, got %+v", tasks)
	}
}

func TestNack_RequeuesWithBackoff(t *testing.T) {
	q := openTestQueue(t, 5)
	id, err := q.Enqueue("note/a", types.TaskEmbed, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim("worker-1", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	dead, err := q.Nack(id, "provider hiccup")
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if dead {
		t.Fatal("first failure must not dead-letter")
	}

	// The retry backoff keeps the task out of reach for now.
	tasks, err := q.Claim("worker-1", 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected task held back by retry backoff, got %+v", tasks)
	}
}

func TestNack_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := openTestQueue(t, 1)
	id, err := q.Enqueue("note/a", types.TaskSummarize, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim("worker-1", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	dead, err := q.Nack(id, "permanently broken")
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if !dead {
		t.Fatal("expected dead-letter once attempts reach max_attempts")
	}

	failed, err := q.ListFailed()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id || failed[0].LastError != "permanently broken" {
		t.Fatalf("expected the dead-lettered task listed, got %+v", failed)
	}

	n, err := q.RetryFailed()
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 task reset, got %d", n)
	}
	tasks, err := q.Claim("worker-1", 10)
	if err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected the reset task claimable again, got %+v", tasks)
	}
}

func TestStatus_ReportsOldestPendingTask(t *testing.T) {
	q := openTestQueue(t, 5)
	if task, err := q.Status("note/a"); err != nil || task != nil {
		t.Fatalf("expected no status before enqueue, got %+v, %v", task, err)
	}
	if _, err := q.Enqueue("note/a", types.TaskOCR, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.Status("note/a")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if task == nil || task.Kind != types.TaskOCR {
		t.Fatalf("expected the pending ocr task, got %+v", task)
	}
}

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	if got := backoffDelay(1); got != BackoffBase {
		t.Fatalf("attempt 1 delay = %v", got)
	}
	if got := backoffDelay(2); got != 2*BackoffBase {
		t.Fatalf("attempt 2 delay = %v", got)
	}
	if got := backoffDelay(50); got != BackoffMax {
		t.Fatalf("expected delay capped at %v, got %v", BackoffMax, got)
	}
	if BackoffMax != time.Hour {
		t.Fatalf("unexpected cap %v", BackoffMax)
	}
}
