package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpaulsen/localsync-go/internal/backup"
	"github.com/jpaulsen/localsync-go/internal/config"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the state database",
		Long: `Take a consistent snapshot of the state database.

Snapshots are gzip-compressed copies written to the backup directory and
pruned down to the configured retention count. When backup.s3_bucket is
set, each snapshot is also uploaded.`,
		RunE: runBackup,
	}

	cmd.AddCommand(newBackupListCmd())

	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local snapshots, oldest first",
		RunE:  runBackupList,
	}
}

func runBackup(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	var uploader backup.Uploader

	if resolvedCfg.Backup.S3Bucket != "" {
		uploader, err = backup.NewS3Uploader(ctx, backup.S3Config{
			Bucket:          resolvedCfg.Backup.S3Bucket,
			Region:          resolvedCfg.Backup.S3Region,
			Endpoint:        resolvedCfg.Backup.S3Endpoint,
			AccessKeyID:     resolvedCfg.Backup.S3AccessKey,
			SecretAccessKey: resolvedCfg.Backup.S3SecretKey,
			Prefix:          resolvedCfg.Backup.S3Prefix,
		})
		if err != nil {
			return fmt.Errorf("configuring S3 upload: %w", err)
		}
	}

	mgr := backup.NewManager(app.Store.DB(), config.BackupDir(resolvedCfg), resolvedCfg.Backup.Retain, uploader, logger)

	path, err := mgr.Snapshot(ctx)
	if err != nil {
		if path != "" {
			// Upload failed but the local snapshot is intact.
			statusf(flagQuiet, "Snapshot written to %s\n", path)
		}

		return err
	}

	statusf(flagQuiet, "Snapshot written to %s\n", path)

	return nil
}

func runBackupList(_ *cobra.Command, _ []string) error {
	logger := buildLogger()

	mgr := backup.NewManager(nil, config.BackupDir(resolvedCfg), resolvedCfg.Backup.Retain, nil, logger)

	names, err := mgr.List()
	if err != nil {
		return err
	}

	if len(names) == 0 {
		fmt.Println("No snapshots.")

		return nil
	}

	for _, name := range names {
		fmt.Println(name)
	}

	return nil
}
