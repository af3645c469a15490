// Package kss implements the key-storage-service, used to store file
// payloads such as photos outside the document store, either on the local
// filesystem or in AWS S3.
package kss

import (
	"context"
	"fmt"
	"io"
)

// DriverType designates a storage driver
type DriverType string

// the different types of key storage drivers
const (
	// None means no file storage is configured
	None DriverType = ""
	// DriverTypeLocal stores files on the local filesystem
	DriverTypeLocal DriverType = "local"
	// DriverTypeAWSS3 stores files in an S3 bucket
	DriverTypeAWSS3 DriverType = "aws-s3"
)

// Configuration selects and configures a storage driver
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// Driver stores file payloads under string keys.
type Driver interface {
	// Store writes the payload under the key, overwriting a previous payload.
	Store(ctx context.Context, key string, data io.Reader) error
	// Load copies the payload stored under the key to the writer.
	Load(ctx context.Context, key string, w io.Writer) error
	// Delete removes the payload stored under the key.
	Delete(ctx context.Context, key string) error
	// DeleteAllWithPrefix removes all payloads whose key starts with prefix.
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// NewDriver creates the configured storage driver, or nil when no file
// storage is configured.
func NewDriver(config Configuration) (Driver, error) {
	switch config.DriverType {
	case None:
		return nil, nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("kss local driver needs a LocalConfiguration")
		}
		return NewLocalFilesystem(config.LocalConfiguration.KeyPrefix)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("kss aws-s3 driver needs an S3Configuration")
		}
		return NewS3(*config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown kss driver type %s", config.DriverType)
}
