// Command vmnetd is a minimal illustration of the internal/vcpu and
// internal/virtionet packages: it logs the vCPU topology decomposition,
// realizes a virtio-net device on a host TAP when one is named, and waits
// for SIGINT/SIGTERM. It creates no KVM VM or vCPUs and runs no I/O loop;
// that wiring, guest memory layout, firmware loading, and device-tree/ACPI
// construction remain the job of an out-of-scope machine-assembly
// collaborator.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/microvisor/microvisor/internal/vcpu"
	"github.com/microvisor/microvisor/internal/virtionet"
)

func main() {
	var (
		numCPUs = flag.Int("cpus", 1, "number of guest vCPUs")
		tapName = flag.String("tap", "", "host TAP interface name")
		mq      = flag.Bool("mq", false, "negotiate multiqueue virtio-net")
		queues  = flag.Int("queues", 1, "number of virtio-net queue pairs")
	)
	flag.Parse()

	if err := run(*numCPUs, *tapName, *queues, *mq); err != nil {
		slog.Error("vmnetd: fatal", "err", err)
		os.Exit(1)
	}
}

func run(numCPUs int, tapName string, queues int, mq bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A real deployment builds vcpu.VM against guest memory and an ArchCPU
	// implementation supplied by a machine assembler; that wiring is
	// out-of-scope here, so this command only exercises the parts that
	// stand alone: topology decomposition and the virtio-net device.
	topo := vcpu.NewTopology(numCPUs, numCPUs, 1, 1, 1, numCPUs, 1)
	for i := 0; i < topo.NumCPUs; i++ {
		item := topo.GetTopoItem(i)
		slog.Info("vmnetd: vcpu topology", "id", i, "socket", item.SocketID, "core", item.CoreID, "thread", item.ThreadID)
	}

	net := virtionet.NewNet(nil, nil)
	if tapName != "" {
		if err := net.Realize(virtionet.Config{
			HostDevName: tapName,
			Queues:      queues,
			MQ:          mq,
			QueueSize:   256,
		}); err != nil {
			return err
		}
		defer net.Unrealize()
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	return group.Wait()
}
