package discovery

import (
	"context"
	"errors"
	"testing"
)

// TestWorkerChannelFIFO is the S4 stress scenario (spec §8 test 5):
// N posts followed by N replies delivered in order must resolve each
// future with its correctly paired payload.
func TestWorkerChannelFIFO(t *testing.T) {
	transport := &recordingTransport{}
	ch := NewWorkerChannel(transport)
	ctx := context.Background()

	const n = 1000
	futures := make([]<-chan WorkerReply, n)
	for i := 0; i < n; i++ {
		f, err := ch.Post(ctx, i)
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		futures[i] = f
	}

	for i := 0; i < n; i++ {
		if err := ch.ReceiveReply(i); err != nil {
			t.Fatalf("receive reply %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		res := <-futures[i]
		if res.Err != nil {
			t.Fatalf("future %d resolved with error: %v", i, res.Err)
		}
		if res.Payload.(int) != i {
			t.Fatalf("future %d resolved with payload %v, want %d", i, res.Payload, i)
		}
	}
}

// TestWorkerChannelErrorRejectsOldestOnly pins the "oldest-only"
// contract of spec §4.2 / §9 Open Question 2: a transport error
// rejects the oldest pending future, leaving later ones pending for a
// genuine subsequent reply.
func TestWorkerChannelErrorRejectsOldestOnly(t *testing.T) {
	transport := &recordingTransport{}
	ch := NewWorkerChannel(transport)
	ctx := context.Background()

	f1, err := ch.Post(ctx, "first")
	if err != nil {
		t.Fatal(err)
	}
	f2, err := ch.Post(ctx, "second")
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	if err := ch.ReceiveError(boom); err != nil {
		t.Fatal(err)
	}

	res1 := <-f1
	if !errors.Is(res1.Err, boom) {
		t.Fatalf("first future error = %v, want %v", res1.Err, boom)
	}

	if err := ch.ReceiveReply("reply-for-second"); err != nil {
		t.Fatal(err)
	}
	res2 := <-f2
	if res2.Err != nil {
		t.Fatalf("second future should still resolve normally, got err %v", res2.Err)
	}
	if res2.Payload.(string) != "reply-for-second" {
		t.Fatalf("second future payload = %v", res2.Payload)
	}
}

func TestWorkerChannelReceiveWithNoPendingIsProtocolError(t *testing.T) {
	ch := NewWorkerChannel(&recordingTransport{})
	if err := ch.ReceiveReply("unsolicited"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestWorkerChannelPostAfterCloseFails(t *testing.T) {
	ch := NewWorkerChannel(&recordingTransport{})
	ch.Close()
	if _, err := ch.Post(context.Background(), "x"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}

func TestWorkerChannelCloseDoesNotCancelOutstanding(t *testing.T) {
	transport := &recordingTransport{}
	ch := NewWorkerChannel(transport)
	f, err := ch.Post(context.Background(), "pending")
	if err != nil {
		t.Fatal(err)
	}
	ch.Close()

	if err := ch.ReceiveReply("late-reply"); err != nil {
		t.Fatalf("reply to outstanding request after close should still resolve: %v", err)
	}
	res := <-f
	if res.Payload.(string) != "late-reply" {
		t.Fatalf("payload = %v", res.Payload)
	}
}

func TestWorkerChannelPendingCount(t *testing.T) {
	ch := NewWorkerChannel(&recordingTransport{})
	ctx := context.Background()
	if ch.Pending() != 0 {
		t.Fatalf("expected 0 pending initially")
	}
	if _, err := ch.Post(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Post(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if ch.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", ch.Pending())
	}
	if err := ch.ReceiveReply("a"); err != nil {
		t.Fatal(err)
	}
	if ch.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", ch.Pending())
	}
}
