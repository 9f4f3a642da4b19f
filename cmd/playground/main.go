// playground spins up two in-process rpc engines, registers an echo
// handler on one, and exercises the client paths against it: a direct
// IPv4 call, a group call with leader auto-update, and a call to a port
// nobody listens on.
//
// Run:
//
//	go run ./cmd/playground
package main

import (
	"fmt"
	"sync"

	courier "github.com/ironfang-ltd/go-courier"
)

var rpcEcho = courier.RegisterTaskCode("RPC_PLAYGROUND_ECHO",
	courier.WithResendTimeout(200))

func main() {
	if err := courier.InitLogging(courier.LogConfig{Level: "info", Format: "text"}); err != nil {
		panic(err)
	}

	serverCfg := courier.DefaultConfig(7000)
	serverCfg.ClientNetworks[0].Factory = "inproc"
	serverCfg.ServerNetworks[0].Factory = "inproc"

	server := courier.NewEngine(serverCfg)
	server.RegisterHandler(rpcEcho, "Echo", func(req *courier.Message) {
		resp := req.CreateResponse()
		resp.Body = append([]byte("echo: "), req.Body...)
		server.Reply(resp, courier.ErrOK)
	})
	if err := server.Start(); err != nil {
		panic(err)
	}
	server.SetServing(true)

	clientCfg := courier.Config{
		ClientNetworks: []courier.ClientNetworkConfig{{Channel: "tcp", Factory: "inproc"}},
	}
	client := courier.NewEngine(clientCfg)
	if err := client.Start(); err != nil {
		panic(err)
	}

	// Direct IPv4 call.
	var wg sync.WaitGroup
	wg.Add(1)
	req := courier.NewRequest(rpcEcho, 1000)
	req.ServerAddress = courier.MustIPv4("127.0.0.1", 7000)
	req.Body = []byte("hello")
	call := courier.NewResponseTask(req, client.Executor(),
		func(err courier.ErrorCode, req, resp *courier.Message) {
			defer wg.Done()
			if err != courier.ErrOK {
				fmt.Println("call failed:", err)
				return
			}
			fmt.Printf("reply: %s\n", resp.Body)
		})
	client.Call(req, call)
	wg.Wait()

	// Group call directed at the presumed leader.
	group := courier.NewGroup("playground", true)
	group.AddMember(courier.MustIPv4("127.0.0.1", 7000))

	wg.Add(1)
	req = courier.NewRequest(rpcEcho, 1000)
	req.ServerAddress = courier.NewGroupAddress(group)
	req.Body = []byte("to the leader")
	call = courier.NewResponseTask(req, client.Executor(),
		func(err courier.ErrorCode, req, resp *courier.Message) {
			defer wg.Done()
			fmt.Printf("group reply (%s): %s\n", err, resp.Body)
		})
	client.Call(req, call)
	wg.Wait()

	// A call to a port with no listener: the inproc network reports the
	// connection failure at once, so the call ends with NETWORK_FAILURE.
	wg.Add(1)
	req = courier.NewRequest(rpcEcho, 100)
	req.ServerAddress = courier.MustIPv4("127.0.0.1", 7999)
	call = courier.NewResponseTask(req, client.Executor(),
		func(err courier.ErrorCode, req, resp *courier.Message) {
			defer wg.Done()
			fmt.Println("unreachable peer:", err)
		})
	client.Call(req, call)
	wg.Wait()

	fmt.Println("client metrics:", client.Metrics().Snapshot())

	client.Stop()
	server.Stop()
}
