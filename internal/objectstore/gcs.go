// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package objectstore uploads attachment bytes to Google Cloud Storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// ErrBucketNotFound is returned when the configured bucket does not exist.
var ErrBucketNotFound = errors.New("objectstore: bucket not found")

// GCSConfig holds the Cloud Storage connection settings.
type GCSConfig struct {
	Bucket string

	// Endpoint overrides the API endpoint, e.g. for a local emulator.
	// Requests to a custom endpoint are sent unauthenticated.
	Endpoint string
}

// GCS stores objects in a single bucket.
type GCS struct {
	svc    *storage.Service
	bucket string
}

// NewGCS creates a Cloud Storage client using Application Default Credentials.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage service: %w", err)
	}

	return &GCS{svc: svc, bucket: cfg.Bucket}, nil
}

// Bucket returns the bucket objects are written to.
func (g *GCS) Bucket() string {
	return g.bucket
}

// Upload writes data to objectPath. An existing object at the same path is
// replaced, so retrying an upload is harmless.
func (g *GCS) Upload(ctx context.Context, objectPath, contentType string, data []byte) error {
	obj := &storage.Object{
		Name:        objectPath,
		ContentType: contentType,
	}

	_, err := g.svc.Objects.Insert(g.bucket, obj).
		Media(bytes.NewReader(data), googleapi.ContentType(contentType)).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return fmt.Errorf("upload %s: %w", objectPath, ErrBucketNotFound)
		}
		return fmt.Errorf("upload %s: %w", objectPath, err)
	}

	slog.Debug("object uploaded",
		"bucket", g.bucket,
		"path", objectPath,
		"size", len(data),
	)
	return nil
}

// Ping checks the bucket is reachable.
func (g *GCS) Ping(ctx context.Context) error {
	if _, err := g.svc.Buckets.Get(g.bucket).Context(ctx).Do(); err != nil {
		return fmt.Errorf("get bucket %s: %w", g.bucket, err)
	}
	return nil
}
