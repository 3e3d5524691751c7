package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natstest "github.com/nats-io/nats-server/v2/test"
)

func TestConn_Publish(t *testing.T) {
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	server := natstest.RunServer(&opts)
	defer server.Shutdown()

	sub, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("subscriber connect: %v", err)
	}
	defer sub.Close()
	ch := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("steps.test", ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	conn, err := Connect(Config{URL: server.ClientURL(), Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Publish("steps.test", []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := conn.Flush(time.Second); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg.Data) != "hello" {
			t.Errorf("got %q, want %q", msg.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond, MaxReconnects: -1}, nil)
	if err == nil {
		t.Fatal("expected connect error")
	}
}
