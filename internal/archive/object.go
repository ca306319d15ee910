package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/roach88/bulbflow/internal/store"
)

// ObjectConfig addresses an S3-compatible bucket.
type ObjectConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Validate rejects incomplete configurations.
func (c ObjectConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("archive endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

// ObjectArchiver writes archive documents to object storage. The journal
// keeps a pointer document so the run's steps can still be purged in one
// transaction.
type ObjectArchiver struct {
	client  *minio.Client
	bucket  string
	journal Journal
}

type pointer struct {
	Bucket string `json:"bucket"`
	Object string `json:"object"`
}

// NewObjectArchiver connects to the bucket, creating it if missing.
func NewObjectArchiver(ctx context.Context, cfg ObjectConfig, journal Journal) (*ObjectArchiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("archive make bucket: %w", err)
		}
	}

	return &ObjectArchiver{client: client, bucket: cfg.Bucket, journal: journal}, nil
}

// ObjectName returns the object key of a run's archive.
func ObjectName(runID string) string {
	return "runs/" + runID + ".json"
}

// Archive implements Archiver.
func (a *ObjectArchiver) Archive(ctx context.Context, snap store.RunSnapshot) error {
	runID := snap.Invocation.ID
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive %s: %w", runID, err)
	}

	name := ObjectName(runID)
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(doc), int64(len(doc)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive %s: put object: %w", runID, err)
	}

	ptr, err := json.Marshal(pointer{Bucket: a.bucket, Object: name})
	if err != nil {
		return fmt.Errorf("archive %s: %w", runID, err)
	}
	return a.journal.ArchiveRun(ctx, runID, ptr)
}

// Fetch implements Archiver.
func (a *ObjectArchiver) Fetch(ctx context.Context, runID string) (store.RunSnapshot, bool, error) {
	doc, found, err := a.journal.GetArchive(ctx, runID)
	if err != nil || !found {
		return store.RunSnapshot{}, found, err
	}

	var ptr pointer
	if err := json.Unmarshal(doc, &ptr); err != nil || ptr.Object == "" {
		return store.RunSnapshot{}, false, fmt.Errorf("archive %s: journal holds no object pointer", runID)
	}

	obj, err := a.client.GetObject(ctx, ptr.Bucket, ptr.Object, minio.GetObjectOptions{})
	if err != nil {
		return store.RunSnapshot{}, false, fmt.Errorf("archive %s: get object: %w", runID, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return store.RunSnapshot{}, false, fmt.Errorf("archive %s: read object: %w", runID, err)
	}
	var snap store.RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.RunSnapshot{}, false, fmt.Errorf("archive %s: decode: %w", runID, err)
	}
	return snap, true, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
