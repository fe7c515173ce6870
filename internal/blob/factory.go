package blob

import (
	"context"
	"fmt"

	"donationcore/internal/config"
	fsstore "donationcore/internal/infra/blob/fs"
	memorystore "donationcore/internal/infra/blob/memory"
	s3store "donationcore/internal/infra/blob/s3"
)

// Open selects a Store implementation from the blob section of the config.
// An empty driver selects the filesystem backend.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	driver := Driver(cfg.Driver)
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fsstore.New(cfg.FSRoot)
	case DriverS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Prefix:    cfg.S3Prefix,
		})
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
