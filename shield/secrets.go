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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretRefPrefix marks a credential value stored in AWS Secrets Manager:
// secretsmanager://<secret-id> uses the whole secret string,
// secretsmanager://<secret-id>#<field> one field of a JSON secret.
const SecretRefPrefix = "secretsmanager://"

// secretsManagerAPI is the subset of the Secrets Manager client used here.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// newSecretsManagerClient is replaced in tests.
var newSecretsManagerClient = func(ctx context.Context) (secretsManagerAPI, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(getEnv("AWS_REGION", "us-east-1")))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(awsCfg), nil
}

type secretField struct {
	name string
	dst  *string
}

// secretFields lists the settings that may hold a secret reference.
func (c *Config) secretFields() []secretField {
	return []secretField{
		{"database_url", &c.DatabaseURL},
		{"redis_url", &c.RedisURL},
		{"jwt_secret", &c.JWTSecret},
		{"telegram_bot_token", &c.TelegramBotToken},
		{"alert_webhook", &c.AlertWebhook},
	}
}

// ResolveSecrets replaces secretsmanager:// references in the credential
// settings with their values. The AWS client is only created when a
// reference is present.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	found := false
	for _, f := range c.secretFields() {
		if strings.HasPrefix(*f.dst, SecretRefPrefix) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	client, err := newSecretsManagerClient(ctx)
	if err != nil {
		return err
	}
	return c.resolveSecrets(ctx, client)
}

func (c *Config) resolveSecrets(ctx context.Context, client secretsManagerAPI) error {
	fetched := make(map[string]string)
	for _, f := range c.secretFields() {
		ref, ok := strings.CutPrefix(*f.dst, SecretRefPrefix)
		if !ok {
			continue
		}
		secretID, field, _ := strings.Cut(ref, "#")
		if secretID == "" {
			return fmt.Errorf("invalid secret reference for %s: missing secret id", f.name)
		}

		raw, ok := fetched[secretID]
		if !ok {
			out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
				SecretId: aws.String(secretID),
			})
			if err != nil {
				return fmt.Errorf("failed to get secret %s for %s: %w", maskSecretID(secretID), f.name, err)
			}
			if out.SecretString == nil {
				return fmt.Errorf("secret %s has no string value", maskSecretID(secretID))
			}
			raw = *out.SecretString
			fetched[secretID] = raw
		}

		value, err := secretValue(raw, field)
		if err != nil {
			return fmt.Errorf("secret %s for %s: %w", maskSecretID(secretID), f.name, err)
		}
		*f.dst = value
	}
	return nil
}

// secretValue returns raw, or one string field of raw as a JSON object.
func secretValue(raw, field string) (string, error) {
	if field == "" {
		return raw, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("field %q requested but the secret is not a JSON object", field)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("field %q not found", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", field)
	}
	return s, nil
}

// maskSecretID keeps only the tail of a secret id or ARN for messages.
func maskSecretID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}
