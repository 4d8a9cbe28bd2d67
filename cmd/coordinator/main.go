// cmd/coordinator/main.go
//
// duskvault-coordinator runs the replication control plane: the HTTP API,
// the device channel, and the background scan/heal/reap loops.
//
// Usage:
//
//	duskvault-coordinator serve
//	duskvault-coordinator bootstrap-kek --out kek.escrow.json
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssd-technologies/duskvault/internal/api"
	"github.com/ssd-technologies/duskvault/internal/chunker"
	"github.com/ssd-technologies/duskvault/internal/config"
	"github.com/ssd-technologies/duskvault/internal/connreg"
	"github.com/ssd-technologies/duskvault/internal/cryptopipe"
	"github.com/ssd-technologies/duskvault/internal/devicechannel"
	"github.com/ssd-technologies/duskvault/internal/devices"
	"github.com/ssd-technologies/duskvault/internal/distribution"
	"github.com/ssd-technologies/duskvault/internal/healer"
	"github.com/ssd-technologies/duskvault/internal/healthscan"
	"github.com/ssd-technologies/duskvault/internal/metadata"
	"github.com/ssd-technologies/duskvault/internal/placement"
	"github.com/ssd-technologies/duskvault/internal/queue"
	"github.com/ssd-technologies/duskvault/internal/reaper"
	"github.com/ssd-technologies/duskvault/internal/retrieval"
	"github.com/ssd-technologies/duskvault/internal/scheduler"
	"github.com/ssd-technologies/duskvault/internal/tempstore"
)

// registryAdapter bridges devicechannel's narrow DeviceRegistry interface to
// the real devices.Registry, which carries context and richer return values
// the device channel handler doesn't need.
type registryAdapter struct {
	inner *devices.Registry
}

func (a *registryAdapter) Register(ev devicechannel.RegisterEvent) error {
	_, err := a.inner.Register(context.Background(), devices.RegisterPayload{
		LogicalDeviceID:    ev.LogicalDeviceID,
		DeviceType:         ev.DeviceType,
		OwnerID:            ev.OwnerID,
		TotalCapacityBytes: ev.TotalCapacityBytes,
	})
	return err
}

func (a *registryAdapter) Heartbeat(logicalDeviceID string, availableBytes int64) error {
	_, err := a.inner.Heartbeat(context.Background(), logicalDeviceID, availableBytes)
	return err
}

func (a *registryAdapter) StorageUpdate(logicalDeviceID string, availableBytes int64) error {
	return a.inner.StorageUpdate(context.Background(), logicalDeviceID, availableBytes)
}

func (a *registryAdapter) MarkOffline(logicalDeviceID string) error {
	return a.inner.MarkOffline(context.Background(), logicalDeviceID)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "bootstrap-kek":
		cmdBootstrapKEK(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: duskvault-coordinator <command> [flags]

Commands:
  serve          Run the coordinator daemon
  bootstrap-kek  Generate a KEK and seal it behind an operator passphrase

Run 'duskvault-coordinator <command> --help' for details on each command.
`)
}

// cmdBootstrapKEK generates a fresh key-encrypting key, prints its recovery
// mnemonic, and seals it under an operator passphrase into an escrow file
// that internal/config can later unseal via KEK_ESCROW_FILE/
// KEK_ESCROW_PASSPHRASE instead of a raw KEK_HEX.
func cmdBootstrapKEK(args []string) {
	fs := flag.NewFlagSet("bootstrap-kek", flag.ExitOnError)
	out := fs.String("out", "kek.escrow.json", "path to write the sealed escrow file")
	passphrase := fs.String("passphrase", "", "passphrase to seal the KEK under (required)")
	fs.Parse(args)

	if *passphrase == "" {
		fmt.Fprintf(os.Stderr, "Error: --passphrase is required\n")
		fs.Usage()
		os.Exit(1)
	}

	hexKey, mnemonic, err := cryptopipe.GenerateKEKMnemonic()
	if err != nil {
		log.Fatalf("generate kek: %v", err)
	}

	escrow, err := cryptopipe.WrapKEKEscrow(hexKey, *passphrase)
	if err != nil {
		log.Fatalf("seal kek escrow: %v", err)
	}

	if err := os.WriteFile(*out, escrow, 0600); err != nil {
		log.Fatalf("write escrow file: %v", err)
	}

	fmt.Printf("KEK generated and sealed\n")
	fmt.Printf("  Mnemonic:    %s\n", mnemonic)
	fmt.Printf("  Escrow file: %s\n", *out)
	fmt.Printf("\nSet KEK_ESCROW_FILE=%s and KEK_ESCROW_PASSPHRASE to run the coordinator\n", *out)
	fmt.Printf("without handling the raw hex KEK directly. The mnemonic is not secret\n")
	fmt.Printf("material itself; keep it only to visually confirm a recovered key matches.\n")
}

// cmdServe runs the coordinator daemon: the HTTP API, the device channel,
// and the background scan/heal/reap loops.
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	pipeline, err := cryptopipe.NewPipeline(cfg.KEKHex)
	if err != nil {
		log.Fatalf("init crypto pipeline: %v", err)
	}

	store, err := metadata.Open(cfg.DataDir + "/coordinator.db")
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}
	defer store.Close()

	tempStore, err := tempstore.Open(cfg.DataDir+"/temp-chunks", cfg.TempChunkTTL)
	if err != nil {
		log.Fatalf("open temp chunk store: %v", err)
	}

	conns := connreg.New()
	jobQueue := queue.New()
	defer jobQueue.Close()

	deviceRegistry := devices.New(store, devices.SystemClock{}, nil)

	var sizePolicy chunker.SizePolicy = chunker.AdaptivePolicy{}
	if cfg.SizePolicy == config.SizePolicyLegacyFixed {
		sizePolicy = chunker.LegacyFixedPolicy{}
	}
	processor := chunker.New(pipeline, sizePolicy, cfg.MaxFileSize, cfg.RedundancyFactor)

	placer := placement.New(store, cfg.RedundancyFactor)
	distributor := distribution.New(store, placer, conns, tempStore, cfg.TWrite)
	retriever := retrieval.New(store, pipeline, conns, cfg.TRead)

	scanner := healthscan.New(store, jobQueue, cfg.ScanInterval)
	deviceRegistry.SetTrigger(scanner)

	h := healer.New(store, placer, conns, conns, tempStore, jobQueue, cfg.TWrite, cfg.TRead)
	rp := reaper.New(store, conns, tempStore, jobQueue, cfg.TDelete)

	sched := scheduler.New(store, scanner, scheduler.Config{
		ScanInterval:    cfg.ScanInterval,
		SummaryInterval: cfg.SummaryInterval,
		TrimInterval:    cfg.TrimInterval,
	})

	server := api.New(store, processor, distributor, retriever, rp, tempStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanner.Start()
	defer scanner.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	go h.Run(ctx)
	go rp.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/devices/connect", devicechannel.New(conns, &registryAdapter{inner: deviceRegistry}))

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[coordinator] shutting down...")
		cancel()
		httpServer.Shutdown(context.Background())
	}()

	fmt.Printf("duskvault coordinator running on http://localhost:%s\n", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server error: %v", err)
	}
}
