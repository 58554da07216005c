// Package archive stores reconciliation sweep reports in a write-once blob
// backend. Keys are report names; reports are immutable once written.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Driver identifies a concrete archive backend implementation.
type Driver string

const (
	DriverFilesystem Driver = "fs"     // local filesystem (default, dev)
	DriverS3         Driver = "s3"     // S3 / MinIO compatible
	DriverMemory     Driver = "memory" // in-memory (tests)
)

// Info describes a stored report.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store provides write-once report storage. Put MUST fail if the key already
// exists; sweep report keys embed the sweep start time so collisions indicate
// an operational error.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// List returns reports whose key has the provided prefix, ordered by key
	// ascending.
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// Options holds backend selection parameters. Zero values fall back to the
// BIOMARKERKB_ARCHIVE_* environment variables documented in Open.
type Options struct {
	Driver Driver
	Root   string // fs root directory
	S3     S3Config
}

// Open selects a Store implementation from opts, consulting environment
// variables for unset fields:
//
//	BIOMARKERKB_ARCHIVE_DRIVER: fs|s3|memory (default fs)
//	BIOMARKERKB_ARCHIVE_FS_ROOT: directory root when driver=fs (default ./sweepdata)
//	(S3 specific variables documented in s3.go)
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = Driver(os.Getenv("BIOMARKERKB_ARCHIVE_DRIVER"))
	}
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		root := opts.Root
		if root == "" {
			root = os.Getenv("BIOMARKERKB_ARCHIVE_FS_ROOT")
		}
		return NewFilesystem(root)
	case DriverS3:
		cfg := opts.S3
		if cfg.Bucket == "" {
			cfg = s3ConfigFromEnv()
		}
		return NewS3(ctx, cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown archive driver %s", driver)
	}
}

func s3ConfigFromEnv() S3Config {
	return S3Config{
		Bucket:    os.Getenv("BIOMARKERKB_ARCHIVE_S3_BUCKET"),
		Region:    os.Getenv("BIOMARKERKB_ARCHIVE_S3_REGION"),
		Endpoint:  os.Getenv("BIOMARKERKB_ARCHIVE_S3_ENDPOINT"),
		PathStyle: strings.EqualFold(os.Getenv("BIOMARKERKB_ARCHIVE_S3_PATH_STYLE"), "true"),
	}
}
