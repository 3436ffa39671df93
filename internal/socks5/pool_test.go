package socks5

import (
	"context"
	"testing"
	"time"
)

func TestPool(t *testing.T) {
	t.Run("released tunnels are reused", func(t *testing.T) {
		server := newMockServer(t)
		server.serveOne(t)

		client := &Client{Addr: server.addr(), Timeout: 2 * time.Second}
		pool := NewPool(client, 4)
		defer pool.Close()

		first, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if first.Reused() {
			t.Error("first tunnel should not be marked reused")
		}
		first.Release()

		second, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !second.Reused() {
			t.Error("second Get should reuse the released tunnel")
		}
		second.Close()
	})

	t.Run("different keys do not share tunnels", func(t *testing.T) {
		server := newMockServer(t)
		server.serveOne(t)
		server.serveOne(t)

		client := &Client{Addr: server.addr(), Timeout: 2 * time.Second}
		pool := NewPool(client, 4)
		defer pool.Close()

		first, err := pool.Get(context.Background(), "a.example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		first.Release()

		second, err := pool.Get(context.Background(), "b.example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if second.Reused() {
			t.Error("tunnel for a different key must not be reused")
		}
		second.Close()
	})

	t.Run("expired idle tunnels are discarded", func(t *testing.T) {
		server := newMockServer(t)
		server.serveOne(t)
		server.serveOne(t)

		client := &Client{Addr: server.addr(), Timeout: 2 * time.Second}
		pool := NewPool(client, 4)
		pool.idleTimeout = 10 * time.Millisecond
		defer pool.Close()

		first, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		first.Release()

		time.Sleep(50 * time.Millisecond)

		second, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if second.Reused() {
			t.Error("expired tunnel must not be handed out")
		}
		second.Close()
	})

	t.Run("capacity bounds active plus idle", func(t *testing.T) {
		server := newMockServer(t)
		server.serveOne(t)

		client := &Client{Addr: server.addr(), Timeout: 2 * time.Second}
		pool := NewPool(client, 1)
		defer pool.Close()

		first, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, err := pool.Get(ctx, "example.com", 443); err == nil {
			t.Error("Get should block at capacity until the context expires")
		}

		first.Close()
	})

	t.Run("GetFresh skips the idle list", func(t *testing.T) {
		server := newMockServer(t)
		server.serveOne(t)
		server.serveOne(t)

		client := &Client{Addr: server.addr(), Timeout: 2 * time.Second}
		pool := NewPool(client, 4)
		defer pool.Close()

		first, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		first.Release()

		fresh, err := pool.GetFresh(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("GetFresh() error = %v", err)
		}
		if fresh.Reused() {
			t.Error("GetFresh must not reuse idle tunnels")
		}
		fresh.Close()
	})

	t.Run("double close releases capacity once", func(t *testing.T) {
		server := newMockServer(t)
		server.serveOne(t)

		client := &Client{Addr: server.addr(), Timeout: 2 * time.Second}
		pool := NewPool(client, 1)
		defer pool.Close()

		tunnel, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		tunnel.Close()
		tunnel.Close()
		tunnel.Release()

		// Capacity must be exactly one slot again.
		server.serveOne(t)
		next, err := pool.Get(context.Background(), "example.com", 443)
		if err != nil {
			t.Fatalf("Get() after close error = %v", err)
		}
		next.Close()
	})
}
