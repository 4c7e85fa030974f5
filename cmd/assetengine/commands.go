package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/listward/assetengine/internal/assets/get"
	"github.com/listward/assetengine/internal/assets/scheduler"
)

var (
	memoryMode  bool
	needSource  bool
	updateDelay int
	updateAuto  bool
	serveAddr   string

	rootCmd = &cobra.Command{
		Use:   "assetengine",
		Short: "Asset acquisition, caching, and update engine",
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Resolve an asset key, cache-first, printing its content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Run a single update cycle (diff phase, then paced full refresh) and exit",
		RunE:  runUpdate,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP/WS surface and a background update cycle",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&memoryMode, "memory", false, "use in-memory stores instead of Badger (no data persists)")

	getCmd.Flags().BoolVar(&needSource, "source-url", false, "print the resolved source URL alongside content")
	rootCmd.AddCommand(getCmd)

	updateCmd.Flags().IntVar(&updateDelay, "delay", 0, "ceiling on inter-fetch pacing, in milliseconds (0 = default)")
	updateCmd.Flags().BoolVar(&updateAuto, "auto", false, "mark this cycle as a background refresh (prefers CDN mirrors)")
	rootCmd.AddCommand(updateCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8088", "address the admin HTTP surface listens on")
	rootCmd.AddCommand(serveCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	e, err := newEngine(memoryMode)
	if err != nil {
		return err
	}
	defer e.Close()

	result := e.get.Get(cmd.Context(), args[0], get.Options{NeedSourceURL: needSource})
	if result.Error != "" {
		return fmt.Errorf("get %s: %s", args[0], result.Error)
	}

	fmt.Println(result.Content)
	if needSource && result.SourceURL != "" {
		fmt.Fprintln(os.Stderr, "source:", result.SourceURL)
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	e, err := newEngine(memoryMode)
	if err != nil {
		return err
	}
	defer e.Close()

	done := make(chan []string, 1)
	handle := e.bus.On("after-assets-updated", func(details any) any {
		keys, _ := details.([]string)
		select {
		case done <- keys:
		default:
		}
		return nil
	})
	defer e.bus.Off("after-assets-updated", handle)

	e.scheduler.UpdateStart(cmd.Context(), scheduler.StartOptions{
		Delay: durationMillis(updateDelay),
		Auto:  updateAuto,
	})

	select {
	case keys := <-done:
		log.Printf("update cycle finished, %d asset(s) changed: %v", len(keys), keys)
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := newEngine(memoryMode)
	if err != nil {
		return err
	}
	defer e.Close()

	e.scheduler.UpdateStart(cmd.Context(), scheduler.StartOptions{Auto: true})

	srv := &http.Server{Addr: serveAddr, Handler: e.gin}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("assetengine: listening on %s", serveAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.scheduler.UpdateStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
