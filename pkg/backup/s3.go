// Package backup runs periodic store backups and mirrors them to
// S3-compatible object storage.
package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/luxfi/assist/pkg/config"
	"github.com/luxfi/assist/pkg/logger"
)

// Executor writes local backup files.
type Executor interface {
	Execute() error
	SortedEncryptedBackups() []string
}

// Uploader stores one backup file remotely.
type Uploader interface {
	Upload(ctx context.Context, localPath string) error
}

// Manager runs backups on a fixed period and uploads new files.
type Manager struct {
	executor Executor
	uploader Uploader
	period   time.Duration

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a backup manager. A nil uploader keeps backups local.
func NewManager(executor Executor, uploader Uploader, period time.Duration) *Manager {
	if period <= 0 {
		period = config.DefaultBackupPeriod
	}
	return &Manager{
		executor: executor,
		uploader: uploader,
		period:   period,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic backup loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop ends the loop and runs a final backup.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		if err := m.RunBackup(context.Background()); err != nil {
			logger.Error("Final backup failed", err)
		}
	})
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.RunBackup(context.Background()); err != nil {
				logger.Error("Backup failed", err)
			}
		}
	}
}

// RunBackup executes a backup and uploads the files it produced. Upload
// failures are logged; the local backup still counts.
func (m *Manager) RunBackup(ctx context.Context) error {
	before := m.executor.SortedEncryptedBackups()
	if err := m.executor.Execute(); err != nil {
		return fmt.Errorf("local backup failed: %w", err)
	}
	newFiles := findNewFiles(before, m.executor.SortedEncryptedBackups())
	if len(newFiles) == 0 || m.uploader == nil {
		return nil
	}
	for _, f := range newFiles {
		if err := m.uploader.Upload(ctx, f); err != nil {
			logger.Error("S3 upload failed", err, "file", f)
		}
	}
	return nil
}

func findNewFiles(before, after []string) []string {
	existing := make(map[string]bool, len(before))
	for _, f := range before {
		existing[f] = true
	}
	var newFiles []string
	for _, f := range after {
		if !existing[f] {
			newFiles = append(newFiles, f)
		}
	}
	return newFiles
}

// S3Uploader puts backup files into a bucket under a per-device prefix.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Uploader returns nil when no endpoint is configured.
func NewS3Uploader(ctx context.Context, cfg config.S3Config, deviceName string) (*S3Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "assist-backups"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = fmt.Sprintf("assist/%s/", deviceName)
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		logger.Warn("Failed to check S3 bucket", "bucket", bucket, "err", err)
	} else if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			logger.Warn("Failed to create S3 bucket", "bucket", bucket, "err", err)
		} else {
			logger.Info("Created S3 bucket", "bucket", bucket)
		}
	}

	logger.Info("S3 backup enabled", "endpoint", cfg.Endpoint, "bucket", bucket, "prefix", prefix)
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	filename := filepath.Base(localPath)
	objectName := u.prefix + filename
	info, err := u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("S3 upload failed: %w", err)
	}
	logger.Info("Backup uploaded to S3", "file", filename, "bucket", u.bucket, "object", objectName, "size", info.Size)
	return nil
}
