// Package blob stores raw fetched artifacts addressed by their content hash.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
)

// Driver names a blob backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = eris.New("blob: not found")

// Store is a content-addressed object store. Put is idempotent: writing
// an existing key is a no-op.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Driver() Driver
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key returns the storage key for a content hash, fanned out by the first
// two byte pairs so no directory grows unbounded.
func Key(hash string) string {
	if len(hash) < 4 {
		return "sha256/" + hash
	}
	return strings.Join([]string{"sha256", hash[:2], hash[2:4], hash}, "/")
}

// Open selects a Store implementation from configuration.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("blob: unknown driver %q", cfg.Driver)
	}
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return eris.Errorf("blob: invalid key %q", key)
	}
	return nil
}
