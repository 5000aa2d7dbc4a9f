// Copyright 2025 The imgrserve authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/golang/glog"
)

// S3 is a Backend storing entries as objects in an Amazon S3 bucket.  Keys
// are hex-encoded under a configurable prefix so they survive S3's object
// naming rules and remain decodable by scans.  Capacity is advisory; S3
// lifecycle rules own the real bound.
type S3 struct {
	s3iface.S3API
	bucket, prefix string
	capacity       int
}

// NewS3 parses an "s3://region/bucket/optional-prefix" URL and returns a
// backend for that location.  Credentials come from the default AWS chain.
func NewS3(rawurl string, capacity int) (*S3, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("s3 cache: %w", err)
	}
	region := u.Host
	p := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(p) == 0 || p[0] == "" {
		return nil, errors.New("s3 cache: url must include a bucket")
	}
	bucket := p[0]
	var prefix string
	if len(p) > 1 {
		prefix = p[1]
	}

	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("s3 cache: %w", err)
	}
	return &S3{
		S3API:    s3.New(sess),
		bucket:   bucket,
		prefix:   prefix,
		capacity: capacity,
	}, nil
}

func (c *S3) objectKey(key string) string {
	return path.Join(c.prefix, hex.EncodeToString([]byte(key)))
}

func (c *S3) Get(key string) ([]byte, bool) {
	resp, err := c.GetObject(&s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() != s3.ErrCodeNoSuchKey {
			glog.Errorf("s3 cache: error fetching %q: %v", key, aerr)
		}
		return nil, false
	}
	defer resp.Body.Close()
	v, err := io.ReadAll(resp.Body)
	if err != nil {
		glog.Errorf("s3 cache: error reading %q: %v", key, err)
		return nil, false
	}
	return v, true
}

func (c *S3) Put(key string, value []byte) error {
	_, err := c.PutObject(&s3.PutObjectInput{
		Bucket: &c.bucket,
		Key:    aws.String(c.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 put: %v", ErrStorage, err)
	}
	return nil
}

func (c *S3) Remove(key string) error {
	_, err := c.DeleteObject(&s3.DeleteObjectInput{
		Bucket: &c.bucket,
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 delete: %v", ErrStorage, err)
	}
	return nil
}

func (c *S3) Keys() []string {
	var keys []string
	input := &s3.ListObjectsV2Input{
		Bucket: &c.bucket,
		Prefix: aws.String(c.prefix),
	}
	err := c.ListObjectsV2Pages(input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(path.Base(aws.StringValue(obj.Key)), "/")
			decoded, err := hex.DecodeString(name)
			if err != nil {
				continue
			}
			keys = append(keys, string(decoded))
		}
		return true
	})
	if err != nil {
		glog.Errorf("s3 cache: error listing keys: %v", err)
	}
	return keys
}

func (c *S3) Len() int {
	return len(c.Keys())
}

func (c *S3) Cap() int {
	return c.capacity
}
