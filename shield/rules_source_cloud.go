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

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"google.golang.org/api/option"

	"sqlshield/shield/sqli"
)

// Environment variables for the GCS and Azure Blob catalog clients.
const (
	EnvGCSCredentialsFile    = "SQLSHIELD_GCS_CREDENTIALS_FILE"
	EnvGCSEndpoint           = "SQLSHIELD_GCS_ENDPOINT"
	EnvAzureConnectionString = "AZURE_STORAGE_CONNECTION_STRING"
	EnvAzureStorageKey       = "AZURE_STORAGE_KEY"
	EnvAzureBlobEndpoint     = "SQLSHIELD_AZBLOB_ENDPOINT"
)

// objectReader opens one object of a bucket-style store.
type objectReader interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Close() error
}

// ObjectRuleSource reads a JSON or YAML rule catalog from a GCS object or an
// Azure blob.
type ObjectRuleSource struct {
	reader objectReader
	loc    objectLocation
}

// Records fetches and decodes the catalog object.
func (s *ObjectRuleSource) Records(ctx context.Context) ([]sqli.RuleRecord, error) {
	body, err := s.reader.Open(ctx, s.loc.Bucket, s.loc.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to get rules object %s: %w", s.loc, err)
	}
	defer body.Close()
	return decodeRulesObject(body, s.loc.Key)
}

// Close releases the underlying client.
func (s *ObjectRuleSource) Close() error {
	return s.reader.Close()
}

// Location returns the catalog URI.
func (s *ObjectRuleSource) Location() string {
	return s.loc.String()
}

type gcsReader struct {
	client *storage.Client
}

func (r gcsReader) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return r.client.Bucket(bucket).Object(key).NewReader(ctx)
}

func (r gcsReader) Close() error {
	return r.client.Close()
}

// NewGCSRuleSource builds a source for a gs://bucket/object URI. Credentials
// come from SQLSHIELD_GCS_CREDENTIALS_FILE or Application Default
// Credentials; SQLSHIELD_GCS_ENDPOINT points the client at an emulator.
func NewGCSRuleSource(ctx context.Context, uri string) (*ObjectRuleSource, error) {
	loc, err := parseRulesURI(uri)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != schemeGCS {
		return nil, fmt.Errorf("invalid rules_uri %q: expected gs://bucket/object", uri)
	}

	var opts []option.ClientOption
	if credFile := os.Getenv(EnvGCSCredentialsFile); credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	if endpoint := os.Getenv(EnvGCSEndpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &ObjectRuleSource{reader: gcsReader{client: client}, loc: loc}, nil
}

type azureBlobReader struct {
	client *azblob.Client
}

func (r azureBlobReader) Open(ctx context.Context, container, blob string) (io.ReadCloser, error) {
	resp, err := r.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (azureBlobReader) Close() error { return nil }

// NewAzureBlobRuleSource builds a source for an
// azblob://account/container/blob URI. Authentication tries
// AZURE_STORAGE_CONNECTION_STRING, then AZURE_STORAGE_KEY as a shared key
// for the account, then the default Azure credential chain (managed
// identity, workload identity, CLI).
func NewAzureBlobRuleSource(uri string) (*ObjectRuleSource, error) {
	loc, err := parseRulesURI(uri)
	if err != nil {
		return nil, err
	}
	if loc.Scheme != schemeAzureBlob {
		return nil, fmt.Errorf("invalid rules_uri %q: expected azblob://account/container/blob", uri)
	}

	serviceURL := getEnv(EnvAzureBlobEndpoint, fmt.Sprintf("https://%s.blob.core.windows.net/", loc.Account))

	var client *azblob.Client
	if connectionString := os.Getenv(EnvAzureConnectionString); connectionString != "" {
		client, err = azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client from connection string: %w", err)
		}
	} else if accountKey := os.Getenv(EnvAzureStorageKey); accountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(loc.Account, accountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
	} else {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		client, err = azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
	}
	return &ObjectRuleSource{reader: azureBlobReader{client: client}, loc: loc}, nil
}
