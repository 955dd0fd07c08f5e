package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyverse/imagecache/decode"
	"github.com/cyverse/imagecache/key"
	"github.com/cyverse/imagecache/service"
	"github.com/cyverse/imagecache/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type requestFlags struct {
	identifier    string
	maxWidth      int
	maxHeight     int
	expireAfter   time.Duration
	fileName      string
	fileExtension string
	inMemory      bool
	timeout       time.Duration
}

func (flags *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.identifier, "id", "", "identifier of the image, takes precedence over the url")
	cmd.Flags().IntVar(&flags.maxWidth, "max-width", 0, "max decoded width, 0 = unbounded")
	cmd.Flags().IntVar(&flags.maxHeight, "max-height", 0, "max decoded height, 0 = unbounded")
	cmd.Flags().DurationVar(&flags.expireAfter, "expire-after", 0, "expire the stored image after this interval, 0 = config default")
	cmd.Flags().StringVar(&flags.fileName, "file-name", "", "readable part of the stored file name")
	cmd.Flags().StringVar(&flags.fileExtension, "file-extension", "", "extension of the stored file")
	cmd.Flags().BoolVar(&flags.inMemory, "in-memory", false, "do not store the image on disk")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Minute, "max time to wait for the image")
}

func (flags *requestFlags) options(cmd *cobra.Command) []service.RequestOption {
	opts := []service.RequestOption{}
	if cmd.Flags().Changed("max-width") || cmd.Flags().Changed("max-height") {
		opts = append(opts, service.WithMaxPixelSize(decode.Size{Width: flags.maxWidth, Height: flags.maxHeight}))
	}

	if cmd.Flags().Changed("expire-after") {
		opts = append(opts, service.WithExpireAfter(flags.expireAfter))
	}

	if len(flags.fileName) > 0 {
		opts = append(opts, service.WithFileName(flags.fileName))
	}

	if len(flags.fileExtension) > 0 {
		opts = append(opts, service.WithFileExtension(flags.fileExtension))
	}

	if flags.inMemory {
		opts = append(opts, service.InMemory())
	}
	return opts
}

func (cli *CLI) newGetCommand() *cobra.Command {
	flags := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "get [url]",
		Short: "Fetch an image through the cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := makeKey(args, flags.identifier)
			if err != nil {
				return cli.fail(err)
			}

			svc, err := cli.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			state, err := cli.waitWithProgress(ctx, svc.Request(k, flags.options(cmd)...))
			if err != nil {
				return cli.fail(err)
			}

			cli.printImage(k, state.Image)

			storedPath, err := svc.GetDiskCache().Path(ctx, k)
			if err == nil && len(storedPath) > 0 {
				fmt.Printf("  %s %s\n", gray("stored at"), storedPath)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func (cli *CLI) waitWithProgress(ctx context.Context, handle *service.Handle) (service.State, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-waitCtx.Done():
				return
			case state := <-handle.Updates():
				if state.Type == service.StateInProgress && state.Progress != nil {
					if fraction, ok := state.Progress.Fraction(); ok {
						fmt.Fprintf(os.Stderr, "\r%s %5.1f%%", yellow("downloading"), fraction*100)
					} else {
						fmt.Fprintf(os.Stderr, "\r%s %d bytes", yellow("downloading"), state.Progress.BytesReceived)
					}
				}
			}
		}
	}()

	state, err := handle.Wait(ctx)
	cancel()
	wg.Wait()
	fmt.Fprint(os.Stderr, "\r")

	if err != nil {
		handle.Cancel()
		return state, err
	}
	return state, nil
}

func (cli *CLI) printImage(k key.CacheKey, img *decode.Image) {
	fmt.Printf("%s %s\n", green("ready"), bold(k.String()))
	fmt.Printf("  %s %s\n", gray("format"), img.Format)
	fmt.Printf("  %s %s\n", gray("natural size"), img.NaturalSize.String())
	fmt.Printf("  %s %s\n", gray("pixel size"), img.PixelSize().String())
	fmt.Printf("  %s %d\n", gray("orientation"), img.Orientation)
}

func (cli *CLI) newWarmCommand() *cobra.Command {
	stay := false
	housekeeping := false
	flags := &requestFlags{}

	cmd := &cobra.Command{
		Use:   "warm url...",
		Short: "Fetch many images concurrently, optionally serving metrics until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.WithFields(log.Fields{
				"package":  "main",
				"struct":   "CLI",
				"function": "warm",
			})

			svc, err := cli.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := cli.startMetricsServer()
			if server != nil {
				defer server.Close()
			}

			if housekeeping && cli.config.HousekeepingInterval > 0 {
				if err := svc.StartHousekeeping(cli.config.HousekeepingInterval); err != nil {
					return cli.fail(err)
				}
			}

			opts := flags.options(cmd)
			handles := make([]*service.Handle, 0, len(args))
			for _, sourceURL := range args {
				handles = append(handles, svc.Request(key.NewURLKey(sourceURL), opts...))
			}

			failed := 0
			for _, handle := range handles {
				waitCtx, cancel := context.WithTimeout(ctx, flags.timeout)
				state, err := handle.Wait(waitCtx)
				cancel()

				if err != nil {
					failed++
					handle.Cancel()
					fmt.Printf("%s %s %s\n", red("failed"), handle.GetKey().URL, gray(err.Error()))
					continue
				}
				fmt.Printf("%s %s %s\n", green("ready"), handle.GetKey().URL, gray(state.Image.PixelSize().String()))
			}

			fmt.Printf("%s %d ready, %d failed\n", cyan("warmed"), len(handles)-failed, failed)

			if stay {
				logger.Info("waiting for interrupt")
				<-ctx.Done()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stay, "stay", false, "keep serving metrics and housekeeping until interrupted")
	cmd.Flags().BoolVar(&housekeeping, "housekeeping", false, "sweep expired entries periodically")
	flags.register(cmd)
	return cmd
}

// startMetricsServer serves /metrics on the configured address, nil if none is configured
func (cli *CLI) startMetricsServer() *http.Server {
	logger := log.WithFields(log.Fields{
		"package":  "main",
		"struct":   "CLI",
		"function": "startMetricsServer",
	})

	if len(cli.config.MetricsAddress) == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(cli.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cli.config.MetricsAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer utils.StackTraceFromPanic(logger)

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Errorf("failed to serve metrics on %s", cli.config.MetricsAddress)
		}
	}()

	fmt.Printf("%s http://%s/metrics\n", cyan("metrics"), cli.config.MetricsAddress)
	return server
}

func (cli *CLI) newDeleteCommand() *cobra.Command {
	identifier := ""

	cmd := &cobra.Command{
		Use:   "delete [url]",
		Short: "Delete an image from the cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := makeKey(args, identifier)
			if err != nil {
				return cli.fail(err)
			}

			svc, err := cli.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			err = svc.Delete(cmd.Context(), k)
			if err != nil {
				return cli.fail(err)
			}

			fmt.Printf("%s %s\n", green("deleted"), k.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&identifier, "id", "", "identifier of the image, takes precedence over the url")
	return cmd
}

func (cli *CLI) newSweepCommand() *cobra.Command {
	orphans := false

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired entries, and optionally unreferenced files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			removed, err := svc.Cleanup(cmd.Context())
			if err != nil {
				return cli.fail(err)
			}
			fmt.Printf("%s %d expired entries\n", green("swept"), removed)

			if orphans {
				reclaimed, err := svc.GetDiskCache().ReclaimOrphans(cmd.Context())
				if err != nil {
					return cli.fail(err)
				}
				fmt.Printf("%s %d orphan files\n", green("reclaimed"), reclaimed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&orphans, "orphans", false, "also delete files no index entry references")
	return cmd
}

func (cli *CLI) newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			entries, err := svc.GetDiskCache().Entries(cmd.Context())
			if err != nil {
				return cli.fail(err)
			}

			now := time.Now()
			for _, entry := range entries {
				status := green("valid")
				if entry.IsExpired(now) {
					status = yellow("expired")
				}

				expiry := "never"
				if at, ok := entry.Expiry.Time(); ok {
					expiry = utils.MakeTimeToString(at)
				}

				fmt.Printf("%s %s %s %s\n", status, bold(entry.Key().String()), entry.RelativePath(), gray(fmt.Sprintf("%d bytes, expires %s", entry.Size, expiry)))
			}

			fmt.Printf("%s %d entries\n", cyan("total"), len(entries))
			return nil
		},
	}

	return cmd
}
