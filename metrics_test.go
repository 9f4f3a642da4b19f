package courier

import (
	"testing"
	"time"
)

func TestMetrics_SnapshotTracksCalls(t *testing.T) {
	server := newTestServer(t)
	registerEcho(t, server, rpcTestEcho, "Echo")
	client := newTestServer(t)

	req := NewRequest(rpcTestEcho, 1000)
	req.ServerAddress = server.PrimaryAddress()
	doCall(t, client, req, time.Second)

	snap := client.Metrics().Snapshot()
	if snap["requests_sent"] != 1 {
		t.Fatalf("expected 1 request sent, got %d", snap["requests_sent"])
	}
	if snap["replies_matched"] != 1 {
		t.Fatalf("expected 1 reply matched, got %d", snap["replies_matched"])
	}

	serverSnap := server.Metrics().Snapshot()
	if serverSnap["requests_served"] != 1 {
		t.Fatalf("expected 1 request served, got %d", serverSnap["requests_served"])
	}
}
