package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	vhostblk "github.com/behrlich/go-vhost-blk"
	"github.com/behrlich/go-vhost-blk/backend"
	"github.com/behrlich/go-vhost-blk/internal/logging"
)

func main() {
	var (
		sizeStr    = flag.String("size", "64M", "Size of the memory disk (e.g., 64M, 1G)")
		socketPath = flag.String("socket", "/tmp/vhost-blk-mem.sock", "Vhost-user socket path for the hypervisor to connect to")
		numQueues  = flag.Int("queues", 1, "Number of virtqueues to negotiate")
		readOnly   = flag.Bool("readonly", false, "Reject write/discard requests")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	memBackend := backend.NewMemory(size)
	defer memBackend.Close()

	params := vhostblk.DefaultParams(memBackend)
	params.SocketPath = *socketPath
	params.NumQueues = *numQueues
	params.ReadOnly = *readOnly
	params.Serial = "vhost-blk-mem"

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("creating memory disk", "size", formatSize(size), "size_bytes", size)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	options := &vhostblk.Options{}

	dev, err := vhostblk.CreateAndServe(ctx, params, options)
	if err != nil {
		logger.Error("failed to register device", "error", err)
		os.Exit(1)
	}

	logger.Info("device listening",
		"socket", dev.SocketPath(),
		"queues", dev.NumQueues(),
		"size", formatSize(size),
		"size_bytes", size)

	fmt.Printf("Vhost-user socket: %s\n", dev.SocketPath())
	fmt.Printf("Size: %s (%d bytes)\n", formatSize(size), size)
	fmt.Printf("\nPoint a vhost-user-blk client (e.g. QEMU's\n")
	fmt.Printf("-device vhost-user-blk-pci,chardev=char0 with\n")
	fmt.Printf("-chardev socket,id=char0,path=%s) at this socket.\n", dev.SocketPath())
	fmt.Printf("\nPress Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	cleanupDone := make(chan struct{})
	go func() {
		if err := vhostblk.StopAndDelete(context.Background(), dev); err != nil {
			logger.Error("error stopping device", "error", err)
		} else {
			logger.Info("device stopped successfully")
		}
		close(cleanupDone)
	}()

	select {
	case <-cleanupDone:
	case <-time.After(6 * time.Second):
		logger.Warn("cleanup timeout, forcing exit")
	}
}

func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])

	filename := fmt.Sprintf("vhost-blk-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "Goroutine stack dump at %s\nProcess ID: %d\n\n", time.Now().Format(time.RFC3339), os.Getpid())
	f.Write(buf[:n])
	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)
	logger.Info("stack trace written to file", "file", filename)
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
