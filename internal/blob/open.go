// Package blob selects and constructs the configured blob store backend.
package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	"vialcounter/internal/blob/core"
	"vialcounter/internal/blob/fs"
	"vialcounter/internal/blob/memory"
	"vialcounter/internal/blob/s3"
)

// Store is re-exported so callers outside the blob tree depend on one import.
type Store = core.Store

// Open selects a Store implementation using environment variables.
//
//	VIAL_BLOB_DRIVER: fs|s3|memory (default fs)
//	VIAL_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 specific variables documented in s3/store.go)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("VIAL_BLOB_DRIVER")
	if driver == "" {
		driver = string(core.DriverFilesystem)
	}
	switch core.Driver(driver) {
	case core.DriverFilesystem:
		return fs.New(os.Getenv("VIAL_BLOB_FS_ROOT"))
	case core.DriverS3:
		bucket := os.Getenv("VIAL_BLOB_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("VIAL_BLOB_S3_BUCKET required for s3 driver")
		}
		return s3.New(ctx, s3.Config{
			Bucket:          bucket,
			Region:          os.Getenv("VIAL_BLOB_S3_REGION"),
			Endpoint:        os.Getenv("VIAL_BLOB_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("VIAL_BLOB_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("VIAL_BLOB_S3_SECRET_ACCESS_KEY"),
			PathStyle:       strings.EqualFold(os.Getenv("VIAL_BLOB_S3_PATH_STYLE"), "true"),
		})
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
