package protocol

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"hostsync/pkg/shared"
)

// s3Adapter treats a bucket prefix as a remote tree. The connection maps as:
// host = endpoint, username = access key, password = secret key, base_path =
// "bucket/prefix".
type s3Adapter struct {
	client *s3.S3
	bucket string
	prefix string
}

func newS3Adapter(conn *shared.Connection, cred shared.Credential, timeout time.Duration) (Adapter, error) {
	bucket, prefix, _ := strings.Cut(strings.Trim(conn.BasePath, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3 base_path must start with a bucket name")
	}

	endpoint := conn.Host
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(endpoint),
		Region:           aws.String("us-east-1"),
		Credentials:      credentials.NewStaticCredentials(conn.Username, cred.Password, ""),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClientWithTimeout(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}

	return &s3Adapter{
		client: s3.New(sess),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (a *s3Adapter) Test(ctx context.Context) TestResult {
	_, err := a.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(a.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return TestResult{Detail: fmt.Sprintf("list bucket %s: %v", a.bucket, err)}
	}
	return TestResult{OK: true, Detail: fmt.Sprintf("s3 bucket %s reachable", a.bucket)}
}

func (a *s3Adapter) ListFiles(ctx context.Context, root string) ([]shared.RemoteResource, error) {
	prefix := a.prefix
	if root != "" {
		prefix = strings.TrimPrefix(strings.Trim(root, "/"), a.bucket+"/")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var resources []shared.RemoteResource
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	}
	err := a.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") || hiddenPath(key) {
				continue
			}
			resources = append(resources, shared.RemoteResource{
				Path:     key,
				Name:     path.Base(key),
				Size:     aws.Int64Value(obj.Size),
				Modified: aws.TimeValue(obj.LastModified).UTC(),
				Kind:     shared.ResourceFile,
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return resources, nil
}

func (a *s3Adapter) GetContent(ctx context.Context, filePath string) (string, error) {
	out, err := a.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(strings.TrimPrefix(filePath, "/")),
	})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", filePath, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxContentBytes))
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", filePath, err)
	}

	text, ok := decodeText(data)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}
