package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eiannone/keyboard"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/blobdrive/internal/config"
	"github.com/chmdznr/blobdrive/internal/drive"
	"github.com/chmdznr/blobdrive/internal/transfer"
	"github.com/chmdznr/blobdrive/internal/trash"
	"github.com/chmdznr/blobdrive/pkg/models"
	"github.com/chmdznr/blobdrive/pkg/utils"
)

func loadConfig(c *cli.Context) config.Config {
	cfg := config.Default()
	cfg.DataDir = c.String("data-dir")
	cfg.CacheDir = c.String("cache-dir")
	cfg.Backend = c.String("backend")
	cfg.Endpoint = c.String("endpoint")
	cfg.Bucket = c.String("bucket")
	cfg.Prefix = c.String("prefix")
	cfg.AccessKey = c.String("access-key")
	cfg.SecretKey = c.String("secret-key")
	cfg.Secure = c.Bool("secure")
	cfg.BlobDir = c.String("blob-dir")
	cfg.Workers = c.Int("workers")
	cfg.PartSize = c.Int64("part-size")
	cfg.RetentionDays = c.Int("retention-days")
	cfg.LogLevel = c.String("log-level")
	cfg.LogFormat = c.String("log-format")
	return cfg
}

// withService opens the drive, runs fn and closes the drive again.
func withService(c *cli.Context, fn func(ctx context.Context, svc *drive.Service, logger zerolog.Logger) error, tweaks ...func(*config.Config)) error {
	cfg := loadConfig(c)
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	logger, err := config.SetupLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	svc, err := drive.Open(cfg, logger)
	if err != nil {
		return err
	}

	runErr := fn(c.Context, svc, logger)
	if err := svc.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close drive: %w", err)
	}
	return runErr
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%s expects %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

func optionalID(c *cli.Context, flag string) *string {
	if v := c.String(flag); v != "" {
		return &v
	}
	return nil
}

func listFolder(c *cli.Context) error {
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		listing, err := svc.List(optionalID(c, "folder"))
		if err != nil {
			return err
		}
		printListing(listing)
		return nil
	})
}

func makeFolder(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		id, err := svc.CreateFolder(c.Args().First(), optionalID(c, "parent"))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func uploadFile(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	path := c.Args().First()
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		var (
			rep transfer.Reporter = transfer.NopReporter{}
			bar *transfer.BarReporter
		)
		if !c.Bool("quiet") {
			bar = transfer.NewBarReporter(info.Name(), info.Size())
			rep = bar
		}

		file, err := svc.Upload(ctx, path, optionalID(c, "folder"), rep)
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s (%s) as %s\n", file.Name, utils.FormatSize(file.Size), file.ID)
		return nil
	})
}

func downloadFile(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		dest := c.Args().Get(1)
		if err := svc.Download(ctx, c.Args().First(), dest); err != nil {
			return err
		}
		fmt.Printf("Saved to %s\n", dest)
		return nil
	})
}

func previewFile(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		path, err := svc.Preview(ctx, c.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	})
}

func clearPreviews(c *cli.Context) error {
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		return svc.PurgePreviews()
	})
}

func trashItem(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		return svc.Trash(c.Args().First(), c.Bool("folder"))
	})
}

func restoreItem(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		return svc.Restore(c.Args().First(), c.Bool("folder"))
	})
}

func removeItem(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		res, err := svc.PermanentlyDelete(ctx, c.Args().First(), c.Bool("folder"))
		if err != nil {
			return err
		}
		printPurge(res)
		return nil
	})
}

func renameItem(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		return svc.Rename(c.Args().First(), c.Bool("folder"), c.Args().Get(1))
	})
}

func starItem(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		starred, err := svc.ToggleStar(c.Args().First(), c.Bool("folder"))
		if err != nil {
			return err
		}
		if starred {
			fmt.Println("Starred")
		} else {
			fmt.Println("Unstarred")
		}
		return nil
	})
}

func searchItems(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		printListing(svc.Search(c.Args().First()))
		return nil
	})
}

func showUsage(c *cli.Context) error {
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		fmt.Println(svc.Usage())
		return nil
	})
}

func listTrash(c *cli.Context) error {
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		printListing(svc.ListTrash())
		return nil
	})
}

func listStarred(c *cli.Context) error {
	return withService(c, func(_ context.Context, svc *drive.Service, _ zerolog.Logger) error {
		printListing(svc.ListStarred())
		return nil
	})
}

func emptyTrash(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		trashed := svc.ListTrash()
		if trashed.Empty() {
			fmt.Println("Trash is empty")
			return nil
		}
		if !c.Bool("yes") {
			ok, err := confirm(fmt.Sprintf("Delete %d folder(s) and %d file(s) for good?",
				len(trashed.Folders), len(trashed.Files)))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted")
				return nil
			}
		}

		res, err := svc.EmptyTrash(ctx)
		if err != nil {
			return err
		}
		printPurge(res)
		return nil
	})
}

// confirm reads a single key from the terminal.
func confirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N] ", prompt)
	char, _, err := keyboard.GetSingleKey()
	if err != nil {
		return false, fmt.Errorf("cannot read confirmation (use --yes): %w", err)
	}
	fmt.Println(string(char))
	return char == 'y' || char == 'Y', nil
}

func sweepTrash(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		res, err := svc.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Retention: %d days\n", svc.RetentionDays())
		printPurge(res)
		return nil
	})
}

func showStatus(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		stats, err := svc.Status()
		if err != nil {
			return err
		}
		cfg := loadConfig(c)

		fmt.Printf("Data dir: %s\n", cfg.DataDirOrDefault())
		switch cfg.Backend {
		case config.BackendMinio:
			fmt.Printf("Backend: minio %s/%s/%s\n", cfg.Endpoint, cfg.Bucket, cfg.Prefix)
		default:
			fmt.Printf("Backend: dir %s\n", cfg.BlobDirOrDefault())
		}
		fmt.Printf("Remote reachable: %v\n", svc.CheckAuth(ctx))
		fmt.Printf("Folders: %s, Files: %s (Size: %s)\n",
			humanize.Comma(stats.TotalFolders), humanize.Comma(stats.TotalFiles), utils.FormatSize(stats.TotalSize))
		fmt.Printf("Trash: %d folder(s), %d file(s) (Size: %s)\n",
			stats.TrashedFolders, stats.TrashedFiles, utils.FormatSize(stats.TrashedSize))
		fmt.Printf("Starred: %d\n", stats.StarredItems)
		fmt.Printf("Uploads: %d done (Size: %s), %d failed, %d pending\n",
			stats.UploadedTransfers, utils.FormatSize(stats.UploadedSize), stats.FailedTransfers, stats.PendingTransfers)
		fmt.Printf("Owed remote deletions: %d\n", stats.PendingTombstones)

		recs, err := svc.RecentTransfers(c.Int("recent"))
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "UPLOAD\tNAME\tSIZE\tSTATUS\tSTARTED")
		for _, r := range recs {
			status := r.Status
			if r.Status == models.TransferFailed && r.LastError != "" {
				status += ": " + r.LastError
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Name, utils.FormatSize(r.Size), status, humanize.Time(r.StartedAt))
		}
		return w.Flush()
	})
}

func reconcileOnce(c *cli.Context) error {
	return withService(c, func(ctx context.Context, svc *drive.Service, _ zerolog.Logger) error {
		res := svc.Reconciler().RunOnce(ctx)
		printReconcile(res)
		return res.Err
	})
}

func runDaemon(c *cli.Context) error {
	interval := c.Duration("interval")
	sweepEvery := c.Duration("sweep-interval")
	if sweepEvery <= 0 {
		return errors.New("sweep-interval must be positive")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.Context = ctx

	return withService(c, func(ctx context.Context, svc *drive.Service, logger zerolog.Logger) error {
		logger = logger.With().Str("component", "daemon").Logger()

		var srv *http.Server
		if addr := c.String("metrics-addr"); addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if !svc.CheckAuth(r.Context()) {
					http.Error(w, "remote unavailable", http.StatusServiceUnavailable)
					return
				}
				w.Write([]byte("ok\n"))
			})
			srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
				}
			}()
			logger.Info().Str("addr", addr).Msg("serving metrics")
		}

		rec := svc.Reconciler()
		rec.Start(ctx)
		defer rec.Stop()

		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()

		svc.CheckAuth(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				}
				return nil
			case <-ticker.C:
				if !svc.CheckAuth(ctx) {
					logger.Warn().Msg("remote unavailable, sweep postponed")
				}
			}
		}
	}, func(cfg *config.Config) {
		cfg.ReconcileInterval = interval
	})
}

func printListing(l models.Listing) {
	if l.Empty() {
		fmt.Println("(empty)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tID\tNAME\tSIZE\tCREATED\t")
	for _, f := range l.Folders {
		fmt.Fprintf(w, "dir\t%s\t%s\t-\t%s\t%s\n", f.ID, f.Name, humanize.Time(f.CreatedAt), marks(f.IsStarred, f.TrashedAt))
	}
	for _, f := range l.Files {
		fmt.Fprintf(w, "file\t%s\t%s\t%s\t%s\t%s\n", f.ID, f.Name, utils.FormatSize(f.Size), humanize.Time(f.CreatedAt), marks(f.IsStarred, f.TrashedAt))
	}
	w.Flush()
}

func marks(starred bool, trashedAt *time.Time) string {
	s := ""
	if starred {
		s = "*"
	}
	if trashedAt != nil {
		s += " trashed " + humanize.Time(*trashedAt)
	}
	return s
}

func printPurge(res trash.PurgeResult) {
	var size int64
	for _, f := range res.RemovedFiles {
		size += f.Size
	}
	fmt.Printf("Removed %d file(s) (%s), %d remote blob(s) deleted", len(res.RemovedFiles), utils.FormatSize(size), res.RemoteDeleted)
	if res.Deferred > 0 {
		fmt.Printf(", %d deferred to the reconciler", res.Deferred)
	}
	fmt.Println()
}

func printReconcile(res *trash.ReconcileResult) {
	if res.Skipped {
		fmt.Println("Reconcile already running")
		return
	}
	fmt.Printf("Pending: %d, revived: %d, orphans: %d, deleted: %d, failed: %d (took %s)\n",
		res.Pending, res.Revived, res.Orphans, res.Deleted, res.Failed, utils.FormatDuration(res.Duration))
}
