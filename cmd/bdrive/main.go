package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/blobdrive/internal/config"
	"github.com/chmdznr/blobdrive/internal/trash"
	"github.com/chmdznr/blobdrive/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "bdrive",
		Usage:                "Drive-style folders and files on top of a remote blob store",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "ls",
				Usage: "List a folder",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "folder", Usage: "Folder id (root when empty)"},
				},
				Action: listFolder,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a folder",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "parent", Usage: "Parent folder id (root when empty)"},
				},
				Action: makeFolder,
			},
			{
				Name:      "upload",
				Usage:     "Upload a local file",
				ArgsUsage: "PATH",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "folder", Usage: "Destination folder id (root when empty)"},
					&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not draw a progress bar"},
				},
				Action: uploadFile,
			},
			{
				Name:      "download",
				Usage:     "Download a file",
				ArgsUsage: "ID DEST",
				Action:    downloadFile,
			},
			{
				Name:      "preview",
				Usage:     "Fetch a file into the preview cache and print its path",
				ArgsUsage: "ID",
				Action:    previewFile,
			},
			{
				Name:   "clear-previews",
				Usage:  "Delete every cached preview",
				Action: clearPreviews,
			},
			{
				Name:      "trash",
				Usage:     "Move an item to the trash",
				ArgsUsage: "ID",
				Flags:     []cli.Flag{folderSwitch()},
				Action:    trashItem,
			},
			{
				Name:      "restore",
				Usage:     "Restore an item from the trash",
				ArgsUsage: "ID",
				Flags:     []cli.Flag{folderSwitch()},
				Action:    restoreItem,
			},
			{
				Name:      "rm",
				Usage:     "Delete an item permanently, remote blobs included",
				ArgsUsage: "ID",
				Flags:     []cli.Flag{folderSwitch()},
				Action:    removeItem,
			},
			{
				Name:      "rename",
				Usage:     "Rename an item",
				ArgsUsage: "ID NAME",
				Flags:     []cli.Flag{folderSwitch()},
				Action:    renameItem,
			},
			{
				Name:      "star",
				Usage:     "Toggle the star on an item",
				ArgsUsage: "ID",
				Flags:     []cli.Flag{folderSwitch()},
				Action:    starItem,
			},
			{
				Name:      "search",
				Usage:     "Find items by name",
				ArgsUsage: "QUERY",
				Action:    searchItems,
			},
			{
				Name:   "usage",
				Usage:  "Print the space used by files outside the trash",
				Action: showUsage,
			},
			{
				Name:   "trash-ls",
				Usage:  "List the trash",
				Action: listTrash,
			},
			{
				Name:   "starred",
				Usage:  "List starred items",
				Action: listStarred,
			},
			{
				Name:  "empty-trash",
				Usage: "Delete everything in the trash permanently",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation"},
				},
				Action: emptyTrash,
			},
			{
				Name:   "sweep",
				Usage:  "Purge items trashed longer than the retention period",
				Action: sweepTrash,
			},
			{
				Name:  "status",
				Usage: "Show index, ledger and recent upload status",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "recent", Usage: "Number of recent uploads to show", Value: 10},
				},
				Action: showStatus,
			},
			{
				Name:   "reconcile",
				Usage:  "Retry owed remote deletions and claim orphaned blobs once",
				Action: reconcileOnce,
			},
			{
				Name:  "daemon",
				Usage: "Run the reconciler and the retention sweep in the background",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Usage:   "Reconciler interval",
						Value:   10 * time.Minute,
						EnvVars: []string{"BDRIVE_RECONCILE_INTERVAL"},
					},
					&cli.DurationFlag{
						Name:    "sweep-interval",
						Usage:   "Retention sweep interval",
						Value:   time.Hour,
						EnvVars: []string{"BDRIVE_SWEEP_INTERVAL"},
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Address serving /metrics (disabled when empty)",
						Value:   ":9464",
						EnvVars: []string{"BDRIVE_METRICS_ADDR"},
					},
				},
				Action: runDaemon,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bdrive: %v\n", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	d := config.Default()
	return []cli.Flag{
		&cli.StringFlag{Name: "data-dir", Usage: "Index and ledger directory", EnvVars: []string{"BDRIVE_DATA_DIR"}},
		&cli.StringFlag{Name: "cache-dir", Usage: "Preview cache directory", EnvVars: []string{"BDRIVE_CACHE_DIR"}},
		&cli.StringFlag{Name: "backend", Usage: "Blob backend: minio or dir", Value: d.Backend, EnvVars: []string{"BDRIVE_BACKEND"}},
		&cli.StringFlag{Name: "endpoint", Usage: "MinIO endpoint", EnvVars: []string{"BDRIVE_ENDPOINT"}},
		&cli.StringFlag{Name: "bucket", Usage: "MinIO bucket name", EnvVars: []string{"BDRIVE_BUCKET"}},
		&cli.StringFlag{Name: "prefix", Usage: "Object key prefix inside the bucket", EnvVars: []string{"BDRIVE_PREFIX"}},
		&cli.StringFlag{Name: "access-key", Usage: "MinIO access key", EnvVars: []string{"BDRIVE_ACCESS_KEY"}},
		&cli.StringFlag{Name: "secret-key", Usage: "MinIO secret key", EnvVars: []string{"BDRIVE_SECRET_KEY"}},
		&cli.BoolFlag{Name: "secure", Usage: "Use TLS for MinIO", Value: d.Secure, EnvVars: []string{"BDRIVE_SECURE"}},
		&cli.StringFlag{Name: "blob-dir", Usage: "Blob directory of the dir backend", EnvVars: []string{"BDRIVE_BLOB_DIR"}},
		&cli.IntFlag{Name: "workers", Usage: "Parts uploaded in parallel", Value: d.Workers, EnvVars: []string{"BDRIVE_WORKERS"}},
		&cli.Int64Flag{Name: "part-size", Usage: "Upload part size in bytes", Value: d.PartSize, EnvVars: []string{"BDRIVE_PART_SIZE"}},
		&cli.IntFlag{Name: "retention-days", Usage: "Days a trashed item survives the sweep", Value: trash.DefaultRetentionDays, EnvVars: []string{"BDRIVE_RETENTION_DAYS"}},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: d.LogLevel, EnvVars: []string{"BDRIVE_LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Usage: "console or json", Value: d.LogFormat, EnvVars: []string{"BDRIVE_LOG_FORMAT"}},
	}
}

func folderSwitch() cli.Flag {
	return &cli.BoolFlag{Name: "folder", Aliases: []string{"f"}, Usage: "The id names a folder"}
}
