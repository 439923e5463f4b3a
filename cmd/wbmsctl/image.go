// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3Scheme = "s3://"

var errEmptyImage = errors.New("image is empty")

// parseS3URL splits s3://bucket/key.
func parseS3URL(src string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(src, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %s", src)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key: %s", src)
	}
	return bucket, key, nil
}

// loadImage reads the file to transfer from a local path or from S3.
func loadImage(ctx context.Context, src string, s3cfg s3Config) ([]byte, error) {
	data, err := fetchImage(ctx, src, s3cfg)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", src, errEmptyImage)
	}
	return data, nil
}

func fetchImage(ctx context.Context, src string, s3cfg s3Config) ([]byte, error) {
	if !strings.HasPrefix(src, s3Scheme) {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("cannot read image %q: %w", src, err)
		}
		return data, nil
	}
	bucket, key, err := parseS3URL(src)
	if err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", src, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src, err)
	}
	return data, nil
}

// newS3Client uses the AWS SDK default credential chain (env vars, shared
// config, IAM role) with optional region and endpoint overrides.
func newS3Client(ctx context.Context, cfg s3Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsConfig, s3Opts...), nil
}
