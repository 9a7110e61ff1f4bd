// Copyright 2025 AxonFlow
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

package shield

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"sqlshield/shield/sqli"
)

// maxRulesObjectSize bounds the catalog object read from an object store.
const maxRulesObjectSize = 4 << 20

// Object store schemes accepted in rules_uri.
const (
	schemeS3        = "s3"
	schemeGCS       = "gs"
	schemeAzureBlob = "azblob"
)

// objectLocation is a parsed rules_uri. Account is set for azblob only.
type objectLocation struct {
	Scheme  string
	Account string
	Bucket  string
	Key     string
}

func (l objectLocation) String() string {
	if l.Account != "" {
		return fmt.Sprintf("%s://%s/%s/%s", l.Scheme, l.Account, l.Bucket, l.Key)
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// parseRulesURI accepts s3://bucket/key, gs://bucket/object and
// azblob://account/container/blob.
func parseRulesURI(uri string) (objectLocation, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return objectLocation{}, fmt.Errorf("invalid rules_uri %q: expected s3://, gs:// or azblob://", uri)
	}

	loc := objectLocation{Scheme: scheme}
	switch scheme {
	case schemeS3, schemeGCS:
		loc.Bucket, loc.Key, _ = strings.Cut(rest, "/")
	case schemeAzureBlob:
		var tail string
		loc.Account, tail, _ = strings.Cut(rest, "/")
		loc.Bucket, loc.Key, _ = strings.Cut(tail, "/")
		if loc.Account == "" {
			return objectLocation{}, fmt.Errorf("invalid rules_uri %q: storage account is required", uri)
		}
	default:
		return objectLocation{}, fmt.Errorf("invalid rules_uri %q: unsupported scheme %q", uri, scheme)
	}
	if loc.Bucket == "" || loc.Key == "" {
		return objectLocation{}, fmt.Errorf("invalid rules_uri %q: bucket and key are required", uri)
	}
	return loc, nil
}

// decodeRulesObject reads at most maxRulesObjectSize bytes of body and
// decodes them. The key extension picks the format.
func decodeRulesObject(body io.Reader, key string) ([]sqli.RuleRecord, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxRulesObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read rules object: %w", err)
	}
	if len(data) > maxRulesObjectSize {
		return nil, fmt.Errorf("rules object exceeds %d bytes", maxRulesObjectSize)
	}
	return sqli.DecodeRuleCatalog(data, path.Ext(key))
}

// s3GetObjectAPI is the subset of the S3 client used to fetch catalogs.
type s3GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3RuleSource reads a JSON or YAML rule catalog from an S3 object.
type S3RuleSource struct {
	client s3GetObjectAPI
	bucket string
	key    string
}

// NewS3RuleSource builds a source for uri using the default AWS credential
// chain. AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, when both set, are used
// as static credentials; SQLSHIELD_S3_ENDPOINT points the client at an
// S3-compatible store.
func NewS3RuleSource(ctx context.Context, uri string) (*S3RuleSource, error) {
	loc, err := parseRulesURI(uri)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != schemeS3 {
		return nil, fmt.Errorf("invalid rules_uri %q: expected s3://bucket/key", uri)
	}

	region := getEnv("AWS_REGION", "us-east-1")
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	accessKeyID := os.Getenv("AWS_ACCESS_KEY_ID")
	secretAccessKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKeyID != "" && secretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, os.Getenv("AWS_SESSION_TOKEN"))
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if endpoint := os.Getenv("SQLSHIELD_S3_ENDPOINT"); endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3RuleSource{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: loc.Bucket,
		key:    loc.Key,
	}, nil
}

// Records fetches and decodes the catalog object. The key extension picks
// the format.
func (s *S3RuleSource) Records(ctx context.Context) ([]sqli.RuleRecord, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get rules object s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer output.Body.Close()
	return decodeRulesObject(output.Body, s.key)
}

// RuleSourceFromConfig picks the configured catalog. An object store URI
// wins over a local file; nil means the built-in defaults.
func RuleSourceFromConfig(ctx context.Context, cfg *Config) (sqli.RuleSource, error) {
	if cfg.RulesURI == "" {
		if cfg.RulesFile != "" {
			return sqli.FileRuleSource{Path: cfg.RulesFile}, nil
		}
		return nil, nil
	}

	loc, err := parseRulesURI(cfg.RulesURI)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case schemeGCS:
		src, err := NewGCSRuleSource(ctx, cfg.RulesURI)
		if err != nil {
			return nil, err
		}
		return src, nil
	case schemeAzureBlob:
		src, err := NewAzureBlobRuleSource(cfg.RulesURI)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		src, err := NewS3RuleSource(ctx, cfg.RulesURI)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}
