package presign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrCrossWorld is returned when an input's world:// reference points at
// a world other than the one invoking the tool.
var ErrCrossWorld = errors.New("presign: world:// reference crosses world boundary")

// ErrMalformedURI is returned when a world:// reference cannot be parsed
// into world/execution/path components.
var ErrMalformedURI = errors.New("presign: malformed world:// uri")

// Presigner mints time-limited GET/PUT URLs against a single bucket, and
// writes objects directly for the orchestrator's own bookkeeping (dual
// receipts, SPEC_FULL.md §4.8 step 8) rather than handing out a URL for
// the worker to use.
type Presigner struct {
	Bucket string
	client *s3.PresignClient
	raw    *s3.Client
}

// New wraps an s3.Client's presign client for Bucket, keeping the raw
// client too for direct object writes.
func New(s3Client *s3.Client, bucket string) *Presigner {
	return &Presigner{Bucket: bucket, client: s3.NewPresignClient(s3Client), raw: s3Client}
}

// PutObject writes body directly to key, bypassing the presign flow.
// Used by the orchestrator to colocate a copy of the execution's receipt
// with its outputs (SPEC_FULL.md §4.8 step 8); the worker's own receipt
// writes are local-filesystem-only (DESIGN.md Open Question (c)), so
// this is the one place a receipt actually reaches object storage.
func (p *Presigner) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := p.raw.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("presign: put object %s: %w", key, err)
	}
	return nil
}

// PutURL mints a presigned PUT for key, valid for ttl.
func (p *Presigner) PutURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign: put %s: %w", key, err)
	}
	return req.URL, nil
}

// GetURL mints a presigned GET for key, valid for ttl.
func (p *Presigner) GetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign: get %s: %w", key, err)
	}
	return req.URL, nil
}

// OutputPutURLs mints one PUT URL per declared output path (written as
// "outputs/<path>") plus one for the trailing "outputs.json" index,
// keyed exactly as the worker will address them.
func (p *Presigner) OutputPutURLs(ctx context.Context, writePrefix string, outputPaths []string, ttl time.Duration) (map[string]string, error) {
	prefix := strings.Trim(writePrefix, "/")
	urls := make(map[string]string, len(outputPaths)+1)
	for _, path := range outputPaths {
		key := fmt.Sprintf("%s/outputs/%s", prefix, strings.TrimPrefix(path, "/"))
		url, err := p.PutURL(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		urls["outputs/"+strings.TrimPrefix(path, "/")] = url
	}
	key := prefix + "/outputs.json"
	url, err := p.PutURL(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	urls["outputs.json"] = url
	return urls, nil
}

// HydrateInputs recursively walks inputs, rewriting every world://
// reference to a presigned GET URL. A reference carrying a "?data="
// query is left untouched — it encodes an inline scalar the worker
// decodes itself, not an object to fetch. worldID is the invoking
// world; any world:// reference naming a different world is rejected
// with ErrCrossWorld.
func (p *Presigner) HydrateInputs(ctx context.Context, inputs interface{}, worldID string, ttl time.Duration) (interface{}, error) {
	switch v := inputs.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			hydrated, err := p.HydrateInputs(ctx, val, worldID, ttl)
			if err != nil {
				return nil, err
			}
			out[k] = hydrated
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			hydrated, err := p.HydrateInputs(ctx, item, worldID, ttl)
			if err != nil {
				return nil, err
			}
			out[i] = hydrated
		}
		return out, nil
	case string:
		if !strings.HasPrefix(v, "world://") {
			return v, nil
		}
		if strings.Contains(v, "?data=") {
			return v, nil
		}
		key, err := resolveWorldKey(v, worldID)
		if err != nil {
			return nil, err
		}
		url, err := p.GetURL(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		return url, nil
	default:
		return v, nil
	}
}

// resolveWorldKey parses "world://<world-id>/<execution-id>/<path>" and
// returns the S3 key "<world-id>/<execution-id>/<path>", after checking
// worldID matches.
func resolveWorldKey(uri, worldID string) (string, error) {
	rest := strings.TrimPrefix(uri, "world://")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: %s", ErrMalformedURI, uri)
	}
	uriWorld, executionID, path := parts[0], parts[1], parts[2]
	if uriWorld != worldID {
		return "", fmt.Errorf("%w: %s references world %s, invoking world is %s", ErrCrossWorld, uri, uriWorld, worldID)
	}
	return fmt.Sprintf("%s/%s/%s", uriWorld, executionID, path), nil
}
