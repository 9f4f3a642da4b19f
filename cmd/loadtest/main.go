// loadtest drives a single in-process echo server with concurrent
// callers and reports throughput and the engine's counters.
//
// Run:
//
//	go run ./cmd/loadtest -callers 8 -requests 100000
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	courier "github.com/ironfang-ltd/go-courier"
)

var rpcLoad = courier.RegisterTaskCode("RPC_LOADTEST_ECHO")

func main() {
	callers := flag.Int("callers", 8, "concurrent caller goroutines")
	requests := flag.Int("requests", 100000, "total requests")
	flag.Parse()

	courier.InitLogger(slog.LevelWarn)

	cfg := courier.DefaultConfig(7100)
	cfg.ClientNetworks[0].Factory = "inproc"
	cfg.ServerNetworks[0].Factory = "inproc"

	engine := courier.NewEngine(cfg)
	engine.RegisterHandler(rpcLoad, "LoadEcho", func(req *courier.Message) {
		resp := req.CreateResponse()
		resp.Body = req.Body
		engine.Reply(resp, courier.ErrOK)
	})
	if err := engine.Start(); err != nil {
		panic(err)
	}
	engine.SetServing(true)

	target := engine.PrimaryAddress()
	perCaller := *requests / *callers

	start := time.Now()
	var wg sync.WaitGroup
	for c := 0; c < *callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var inner sync.WaitGroup
			for i := 0; i < perCaller; i++ {
				inner.Add(1)
				req := courier.NewRequest(rpcLoad, 5000)
				req.ServerAddress = target
				req.Body = []byte("payload")
				call := courier.NewResponseTask(req, engine.Executor(),
					func(err courier.ErrorCode, req, resp *courier.Message) {
						inner.Done()
					})
				engine.Call(req, call)
			}
			inner.Wait()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := perCaller * *callers
	fmt.Printf("%d requests in %s (%.0f req/s)\n",
		total, elapsed, float64(total)/elapsed.Seconds())
	fmt.Println("metrics:", engine.Metrics().Snapshot())

	engine.Stop()
}
