package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pranaflow/prana/internal/integration"
)

// s3Timeout bounds a single storage.s3 attempt.
const s3Timeout = 60 * time.Second

// s3Storage puts, gets and lists objects on S3. Credentials come from
// params or fall back to the default AWS credential chain; a custom
// endpoint switches the client to path-style addressing for S3
// compatibles.
type s3Storage struct{}

func (a *s3Storage) ValidateParams(params map[string]interface{}) error {
	if stringParam(params, "bucket") == "" {
		return fmt.Errorf("storage.s3 requires a %q param", "bucket")
	}
	switch op := s3Operation(params); op {
	case "put", "get":
		if stringParam(params, "key") == "" {
			return fmt.Errorf("s3 operation %q requires a %q param", op, "key")
		}
	case "list":
	default:
		return fmt.Errorf("unknown s3 operation %q", op)
	}
	return nil
}

func (a *s3Storage) ParamsSchema() map[string]interface{} {
	return map[string]interface{}{
		"operation":  map[string]interface{}{"type": "string", "enum": []string{"put", "get", "list"}, "required": true},
		"region":     map[string]interface{}{"type": "string", "default": "us-east-1"},
		"bucket":     map[string]interface{}{"type": "string", "required": true},
		"key":        map[string]interface{}{"type": "string"},
		"body":       map[string]interface{}{"type": "string"},
		"prefix":     map[string]interface{}{"type": "string"},
		"endpoint":   map[string]interface{}{"type": "string"},
		"access_key": map[string]interface{}{"type": "string"},
		"secret_key": map[string]interface{}{"type": "string"},
	}
}

func s3Operation(params map[string]interface{}) string {
	if op := stringParam(params, "operation"); op != "" {
		return op
	}
	return "get"
}

func (a *s3Storage) Execute(params map[string]interface{}, ctx *integration.ExecutionContext) *integration.Result {
	opctx, cancel := context.WithTimeout(context.Background(), s3Timeout)
	defer cancel()

	client, err := a.client(opctx, params)
	if err != nil {
		return integration.Fail(err)
	}

	bucket := stringParam(params, "bucket")
	key := stringParam(params, "key")

	switch op := s3Operation(params); op {
	case "put":
		body := []byte(stringParam(params, "body"))
		out, err := client.PutObject(opctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			return integration.Fail(fmt.Errorf("put object: %w", err))
		}
		result := map[string]interface{}{
			"bucket": bucket,
			"key":    key,
			"size":   len(body),
		}
		if out.ETag != nil {
			result["etag"] = aws.ToString(out.ETag)
		}
		return integration.OK(result)

	case "get":
		out, err := client.GetObject(opctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return integration.Fail(fmt.Errorf("get object: %w", err))
		}
		defer out.Body.Close()
		body, err := io.ReadAll(out.Body)
		if err != nil {
			return integration.Fail(fmt.Errorf("read object body: %w", err))
		}
		result := map[string]interface{}{
			"bucket": bucket,
			"key":    key,
			"body":   string(body),
			"size":   len(body),
		}
		if out.ContentType != nil {
			result["content_type"] = aws.ToString(out.ContentType)
		}
		return integration.OK(result)

	case "list":
		input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
		if prefix := stringParam(params, "prefix"); prefix != "" {
			input.Prefix = aws.String(prefix)
		}
		out, err := client.ListObjectsV2(opctx, input)
		if err != nil {
			return integration.Fail(fmt.Errorf("list objects: %w", err))
		}
		objects := make([]map[string]interface{}, 0, len(out.Contents))
		for _, obj := range out.Contents {
			entry := map[string]interface{}{
				"key":  aws.ToString(obj.Key),
				"size": aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				entry["last_modified"] = obj.LastModified.UTC().Format(time.RFC3339)
			}
			objects = append(objects, entry)
		}
		return integration.OK(map[string]interface{}{
			"bucket":  bucket,
			"objects": objects,
			"count":   len(objects),
		})

	default:
		return integration.Fail(fmt.Errorf("unknown s3 operation %q", op))
	}
}

func (a *s3Storage) client(ctx context.Context, params map[string]interface{}) (*s3.Client, error) {
	region := stringParam(params, "region")
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if access := stringParam(params, "access_key"); access != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, stringParam(params, "secret_key"), "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if endpoint := stringParam(params, "endpoint"); endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, clientOpts...), nil
}
