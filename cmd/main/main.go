package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	remus "github.com/sss-lehigh/remus-tutorial-2025"
	"github.com/sss-lehigh/remus-tutorial-2025/ibverbs"
)

// mnAddrs parses "id=host:port,id=host:port" into a map, the format this
// CLI expects for -mn_addrs so a compute node knows where every memory
// node in its configured range is actually listening.
func mnAddrs(spec string) (map[uint16]string, error) {
	out := make(map[uint16]string)
	if spec == "" {
		return out, nil
	}
	for _, part := range strings.Split(spec, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("bad -mn_addrs entry %q", part)
		}
		id, err := strconv.ParseUint(kv[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad memory node id in %q: %w", part, err)
		}
		out[uint16(id)] = kv[1]
	}
	return out, nil
}

// listDevices prints every RDMA device sysfs knows about and exits. It
// deliberately avoids opening an ibv_context so it works even when no
// device is actually usable yet, e.g. while debugging a fresh host.
func listDevices() {
	devices, err := ibverbs.ListDevices()
	if err != nil {
		remus.Fatal(err, "listing RDMA devices")
	}
	if len(devices) == 0 {
		fmt.Println("no RDMA devices found under /sys/class/infiniband")
	}
	for _, d := range devices {
		fmt.Printf("%s: active ports %v\n", d.Name, d.ActivePorts)
	}
	if n, err := ibverbs.NrHugepages(); err == nil {
		fmt.Printf("nr_hugepages: %d\n", n)
	}
}

// checkDevice rejects a -device flag that doesn't name a device sysfs
// actually reports, so a typo fails before NewRdmaContext ever dials in.
func checkDevice(name string) error {
	if name == "" {
		return nil
	}
	devices, err := ibverbs.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.Name == name {
			return nil
		}
	}
	return fmt.Errorf("device %q not found in /sys/class/infiniband", name)
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	addrSpec := fs.String("mn_addrs", "", "memory node id=host:port pairs, comma separated")
	device := fs.String("device", "", "RDMA device name, empty selects the first available")
	mtu := fs.Uint("mtu", uint(remus.IBV_MTU_4096), "path MTU enum value")
	listDev := fs.Bool("list_devices", false, "list RDMA devices and hugepage config, then exit")

	if len(os.Args) > 1 && os.Args[1] == "-list_devices" {
		listDevices()
		return
	}

	cfg, err := remus.ParseFlags(fs, os.Args[1:])
	if err != nil {
		remus.Fatal(err, "parsing flags")
	}
	if *listDev {
		listDevices()
		return
	}
	if err := checkDevice(*device); err != nil {
		remus.Fatal(err, "validating -device")
	}
	remus.SetVerbose(cfg.Verbose)
	remus.Log.Info().Str("config", cfg.Report()).Msg("starting")

	ctx, err := remus.NewRdmaContext(*device, 1, 0, int(*mtu))
	if err != nil {
		remus.Fatal(err, "opening RDMA context")
	}
	defer ctx.Close()

	pd, err := remus.NewProtectDomain(ctx)
	if err != nil {
		remus.Fatal(err, "allocating protection domain")
	}
	defer pd.Close()

	// A process can run either role, or both at once when its NODE_ID falls
	// inside both the memory-node and compute-node ranges: the compute side
	// then talks to its own co-located memory node over the loopback path
	// instead of dialing itself through rdma_cm.
	isMN := cfg.IsMemoryNode(cfg.NodeID)
	isCN := cfg.IsComputeNode(cfg.NodeID)
	if !isMN && !isCN {
		remus.Fatal(remus.ErrBadConfig, fmt.Sprintf("NODE_ID %d is neither a memory node nor a compute node under the configured ranges", cfg.NodeID))
	}

	var mn *remus.MemoryNode
	var mnErrCh <-chan error
	if isMN {
		mn, mnErrCh = startMemoryNode(cfg, ctx, pd)
	}

	if isCN {
		addrs, err := mnAddrs(*addrSpec)
		if err != nil {
			remus.Fatal(err, "parsing -mn_addrs")
		}
		runComputeNode(cfg, ctx, pd, addrs, mn)
	}

	if isMN {
		waitAndShutdownMemoryNode(mn, mnErrCh)
	}
}

// startMemoryNode allocates segments and starts accepting connections on
// its own goroutine, returning immediately so a co-located compute node
// can go on to loop back to it without waiting on an operator.
func startMemoryNode(cfg remus.Config, ctx *remus.RdmaContext, pd *remus.ProtectDomain) (*remus.MemoryNode, <-chan error) {
	mn, err := remus.NewMemoryNode(cfg, ctx, pd)
	if err != nil {
		remus.Fatal(err, "starting memory node")
	}
	errCh := make(chan error, 1)
	go func() { errCh <- mn.Serve() }()
	return mn, errCh
}

func waitAndShutdownMemoryNode(mn *remus.MemoryNode, errCh <-chan error) {
	sig := make(chan struct{})
	go func() {
		// in a real deployment this would select on os/signal; this demo
		// entrypoint just runs until the operator hits enter
		var discard string
		fmt.Fscanln(os.Stdin, &discard)
		close(sig)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			remus.Log.Error().Err(err).Msg("memory node serve loop exited")
		}
	case <-sig:
	}

	if err := mn.Shutdown(); err != nil {
		remus.Log.Error().Err(err).Msg("memory node shutdown")
	}
}

func runComputeNode(cfg remus.Config, ctx *remus.RdmaContext, pd *remus.ProtectDomain, addrs map[uint16]string, localMN *remus.MemoryNode) {
	cn, err := remus.NewComputeNode(cfg, ctx, pd, addrs, localMN)
	if err != nil {
		remus.Fatal(err, "starting compute node")
	}

	if err := cn.SpawnThreads(time.Now().UnixNano()); err != nil {
		remus.Fatal(err, "spawning compute threads")
	}

	thread := cn.Thread(0)
	ptr, err := thread.Allocate(64)
	if err != nil {
		remus.Fatal(err, "allocating")
	}
	remus.Log.Info().Str("ptr", ptr.String()).Msg("allocated")

	payload := []byte("hello, remote memory")
	if err := thread.Write(ptr, payload, false); err != nil {
		remus.Fatal(err, "writing")
	}

	readBack := make([]byte, len(payload))
	if err := thread.Read(ptr, readBack, false); err != nil {
		remus.Fatal(err, "reading")
	}
	remus.Log.Info().Str("readback", string(readBack)).Msg("round trip complete")

	if err := cn.Shutdown(); err != nil {
		remus.Log.Error().Err(err).Msg("compute node shutdown")
	}
}
