package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeNode serves getSignaturesForAddress / getTransaction over httptest.
type fakeNode struct {
	mu         sync.Mutex
	signatures []SignatureInfo // newest first
	logs       map[string][]string
}

func (n *fakeNode) push(sig string, failed bool, logs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := SignatureInfo{Signature: sig}
	if failed {
		info.Err = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)
	}
	n.signatures = append([]SignatureInfo{info}, n.signatures...)
	if n.logs == nil {
		n.logs = make(map[string][]string)
	}
	n.logs[sig] = logs
}

func (n *fakeNode) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}

		n.mu.Lock()
		defer n.mu.Unlock()

		switch req.Method {
		case "getSignaturesForAddress":
			var opts struct {
				Until  string `json:"until"`
				Before string `json:"before"`
				Limit  int    `json:"limit"`
			}
			if len(req.Params) > 1 {
				_ = json.Unmarshal(req.Params[1], &opts)
			}
			// Like the real node: newest limit entries, strictly older
			// than before, stopping at until.
			out := make([]SignatureInfo, 0, len(n.signatures))
			skipping := opts.Before != ""
			for _, info := range n.signatures {
				if skipping {
					if info.Signature == opts.Before {
						skipping = false
					}
					continue
				}
				if opts.Until != "" && info.Signature == opts.Until {
					break
				}
				if opts.Limit > 0 && len(out) == opts.Limit {
					break
				}
				out = append(out, info)
			}
			writeRPCResult(w, out)
		case "getTransaction":
			var sig string
			_ = json.Unmarshal(req.Params[0], &sig)
			logs, ok := n.logs[sig]
			if !ok {
				writeRPCResult(w, nil)
				return
			}
			writeRPCResult(w, map[string]interface{}{
				"meta": map[string]interface{}{"logMessages": logs},
			})
		default:
			t.Fatalf("unexpected rpc method %s", req.Method)
		}
	}
}

func writeRPCResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  result,
	})
}

func TestWatcherAnchorsThenEmitsNewBatches(t *testing.T) {
	node := &fakeNode{}
	node.push("old-sig", false, []string{"Program log: old"})

	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	client := NewClient(Options{RPCURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	watcher := NewWatcher(client, WatcherOptions{ProgramID: "Prog111", PollInterval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	batches, err := watcher.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the watcher a tick to anchor, then add new transactions.
	time.Sleep(50 * time.Millisecond)
	node.push("failed-sig", true, []string{"Program log: failed"})
	node.push("new-sig", false, []string{"Program log: deposit"})

	select {
	case batch := <-batches:
		if batch.Signature != "new-sig" {
			t.Fatalf("expected new-sig (old anchored, failed skipped), got %s", batch.Signature)
		}
		if len(batch.Logs) != 1 || batch.Logs[0] != "Program log: deposit" {
			t.Fatalf("unexpected logs %v", batch.Logs)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for log batch")
	}

	cancel()
	// Channel closes on cancellation.
	for range batches {
	}
}

func TestWatcherDrainsBurstLargerThanOnePage(t *testing.T) {
	node := &fakeNode{}
	node.push("anchor-sig", false, nil)

	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	client := NewClient(Options{RPCURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	watcher := NewWatcher(client, WatcherOptions{ProgramID: "Prog111", PollInterval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batches, err := watcher.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Let the watcher anchor, then land more transactions than one
	// signature page holds before the next tick can catch up.
	time.Sleep(50 * time.Millisecond)
	total := signaturePageLimit + 50
	for i := 0; i < total; i++ {
		node.push(fmt.Sprintf("sig-%03d", i), false, []string{fmt.Sprintf("Program log: deposit %d", i)})
	}

	for i := 0; i < total; i++ {
		select {
		case batch := <-batches:
			want := fmt.Sprintf("sig-%03d", i)
			if batch.Signature != want {
				t.Fatalf("batch %d: expected %s, got %s", i, want, batch.Signature)
			}
		case <-ctx.Done():
			t.Fatalf("timed out after receiving %d of %d batches", i, total)
		}
	}

	cancel()
	for range batches {
	}
}

func TestClientTransactionLogsNotFound(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(node.handler(t))
	defer srv.Close()

	client := NewClient(Options{RPCURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	if _, err := client.TransactionLogs(context.Background(), "missing"); err != ErrTransactionNotFound {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
