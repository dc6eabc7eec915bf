package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/bringyour/tunrelay/relay"
)

const RelayCtlVersion = "0.0.1"

func main() {
	usage := `Tun relay control.

Usage:
    relayctl run --tun_fd=<tun_fd> [--log_level=<log_level>]
    relayctl -h | --help
    relayctl --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --tun_fd=<tun_fd>          Inherited file descriptor of an already-open
                                virtual interface.
    --log_level=<log_level>    One of urgent, info, debug [default: urgent].
`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayCtlVersion)
	if err != nil {
		glog.Fatalf("parse args: %v", err)
	}

	run, _ := opts.Bool("run")
	if !run {
		fmt.Println(usage)
		return
	}

	tunFdArg, err := opts.String("--tun_fd")
	if err != nil {
		glog.Fatalf("missing --tun_fd: %v", err)
	}
	tunFd, err := strconv.Atoi(tunFdArg)
	if err != nil {
		glog.Fatalf("invalid --tun_fd %q: %v", tunFdArg, err)
	}

	if levelArg, err := opts.String("--log_level"); err == nil {
		switch levelArg {
		case "debug":
			relay.LogLevel = relay.LogLevelDebug
		case "info":
			relay.LogLevel = relay.LogLevelInfo
		default:
			relay.LogLevel = relay.LogLevelUrgent
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := relay.NewEngine(tunFd, relay.NoProtect)
	if err != nil {
		glog.Fatalf("start engine: %v", err)
	}

	glog.Infof("relay %s starting on fd %d", engine.ID(), tunFd)
	engine.Start(ctx)

	<-ctx.Done()
	glog.Infof("relay %s stopping", engine.ID())

	stopped := make(chan error, 1)
	go func() { stopped <- engine.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			glog.Errorf("relay %s stopped with error: %v", engine.ID(), err)
		}
	case <-time.After(5 * time.Second):
		glog.Errorf("relay %s stop timed out", engine.ID())
	}

	snapshot := engine.Stats()
	glog.Infof(
		"relay %s final stats: ingress=%dB egress=%dB udp_opened=%d tcp_opened=%d discarded=%d",
		engine.ID(), snapshot.IngressBytes, snapshot.EgressBytes,
		snapshot.UDPFlowsOpened, snapshot.TCPFlowsOpened, snapshot.IngressDiscarded,
	)
}
