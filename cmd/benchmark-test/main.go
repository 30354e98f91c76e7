// Command benchmark-test measures the hot paths against an in-process relay
// and blob server: message sending, view aggregation, commits and media.
// Exit code 0 on success, 1 on failure.
//
//	benchmark-test --data-dir PATH --logs-dir PATH
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/config"
	"github.com/whitenoise-im/whitenoise/internal/core"
	"github.com/whitenoise-im/whitenoise/internal/mls"
	"github.com/whitenoise-im/whitenoise/internal/relay"
	"github.com/whitenoise-im/whitenoise/internal/testblossom"
	"github.com/whitenoise-im/whitenoise/internal/testrelay"
)

func main() {
	dataDir := flag.String("data-dir", "", "state directory")
	logsDir := flag.String("logs-dir", "", "log directory")
	flag.Parse()
	if *dataDir == "" || *logsDir == "" {
		fmt.Fprintln(os.Stderr, "usage: benchmark-test --data-dir PATH --logs-dir PATH")
		os.Exit(1)
	}
	if err := run(*dataDir, *logsDir); err != nil {
		fmt.Fprintln(os.Stderr, "benchmark failed:", err)
		os.Exit(1)
	}
}

func run(dataDir, logsDir string) error {
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{filepath.Join(logsDir, "benchmark-test.log")}
	log, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	rl, err := testrelay.Start(log.Named("testrelay"))
	if err != nil {
		return err
	}
	defer rl.Close()
	bl, err := testblossom.Start()
	if err != nil {
		return err
	}
	defer bl.Close()

	cfg := config.Config{
		DataDir:       filepath.Join(dataDir, "benchmark"),
		LogsDir:       logsDir,
		BlossomURL:    bl.URL(),
		DefaultRelays: []string{rl.URL()},
	}
	w, err := core.New(cfg, relay.DialNostr, log.Named("benchmark"))
	if err != nil {
		return err
	}
	defer w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	alice, err := w.CreateIdentity(ctx)
	if err != nil {
		return err
	}
	g, err := w.CreateGroup(ctx, alice.Pubkey, nil, []string{alice.Pubkey},
		mls.GroupConfig{Name: "bench"})
	if err != nil {
		return err
	}

	if err := measure("send-message", 200, func(i int) error {
		_, err := w.SendMessage(ctx, alice.Pubkey, g.MlsGroupID, fmt.Sprintf("message %d", i), nil)
		return err
	}); err != nil {
		return err
	}

	if err := measure("group-view", 50, func(int) error {
		_, err := w.GroupView(g.MlsGroupID)
		return err
	}); err != nil {
		return err
	}

	if err := measure("key-rotation", 50, func(int) error {
		return w.RotateGroupKey(ctx, alice.Pubkey, g.MlsGroupID)
	}); err != nil {
		return err
	}

	blob := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0xA5}, 64<<10)...)
	if err := measure("media-upload", 20, func(i int) error {
		// Vary the payload so every upload has a distinct hash.
		blob[len(blob)-1] = byte(i)
		_, _, err := w.UploadMedia(ctx, alice.Pubkey, g.MlsGroupID, blob)
		return err
	}); err != nil {
		return err
	}
	return nil
}

func measure(name string, n int, op func(i int) error) error {
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := op(i); err != nil {
			return fmt.Errorf("%s: iteration %d: %w", name, i, err)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("%-14s %6d ops  %10s total  %10s/op\n",
		name, n, elapsed.Round(time.Millisecond), (elapsed / time.Duration(n)).Round(time.Microsecond))
	return nil
}
