// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package s3storage archives attachments in an S3 compatible bucket.
package s3storage

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matta/mealmail/internal/archive"
)

// Config names the bucket and how to reach it.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool

	// Transport overrides the HTTP transport when not nil.
	Transport http.RoundTripper
}

// Storage stores each attachment as a new object in one bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
	log    logrus.FieldLogger
}

// New creates a MinIO client for cfg.
func New(cfg Config, log logrus.FieldLogger) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init minio")
	}
	return &Storage{client: client, bucket: cfg.Bucket, region: cfg.Region, log: log}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Wrapf(err, "checking bucket %s", s.bucket)
	}
	if exists {
		return nil
	}
	s.log.WithField("bucket", s.bucket).Info("creating bucket")
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	return errors.Wrapf(err, "creating bucket %s", s.bucket)
}

// Put uploads data under a fresh key ending in name.
func (s *Storage) Put(ctx context.Context, name, mimeType string, data []byte) (archive.Ref, error) {
	key := uuid.NewString() + "/" + path.Base("/"+name)
	opts := minio.PutObjectOptions{ContentType: mimeType}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return archive.Ref{}, errors.Wrapf(err, "uploading %q", name)
	}
	s.log.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(data),
	}).Debug("stored object")
	return archive.Ref{URL: s.objectURL(key), Name: name}, nil
}

func (s *Storage) objectURL(key string) string {
	e := s.client.EndpointURL()
	u := url.URL{Scheme: e.Scheme, Host: e.Host, Path: "/" + s.bucket + "/" + key}
	return u.String()
}
