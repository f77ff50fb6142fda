package drivers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/genmedia/comfy-worker/clog"
	"github.com/genmedia/comfy-worker/common"
)

const s3UploadTimeout = 2 * time.Minute

// s3Store is an S3 backed object store. Also used for s3-compatible stores
// (minio and the like) via a custom endpoint.
type s3Store struct {
	host   string // public base URL uploaded objects are fetchable under
	bucket string
	s3svc  *s3.S3
}

var _ ObjectStore = (*s3Store)(nil)

func s3Host(bucket string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com", bucket)
}

func NewS3Store(region, bucket, accessKey, accessKeySecret string) ObjectStore {
	creds := credentials.NewStaticCredentials(accessKey, accessKeySecret, "")
	cfg := aws.NewConfig().WithRegion(region).WithCredentials(creds)
	return &s3Store{
		host:   s3Host(bucket),
		bucket: bucket,
		s3svc:  s3.New(session.Must(session.NewSession()), cfg),
	}
}

// NewCustomS3Store creates a store for S3-compatible endpoints other than S3
// itself. Objects are addressed path-style under the endpoint.
func NewCustomS3Store(host, bucket, accessKey, accessKeySecret string) ObjectStore {
	creds := credentials.NewStaticCredentials(accessKey, accessKeySecret, "")
	cfg := aws.NewConfig().
		WithRegion("ignored").
		WithEndpoint(host).
		WithS3ForcePathStyle(true).
		WithCredentials(creds)
	return &s3Store{
		host:   host + "/" + bucket,
		bucket: bucket,
		s3svc:  s3.New(session.Must(session.NewSession()), cfg),
	}
}

func (st *s3Store) SaveData(ctx context.Context, name string, data []byte) (string, error) {
	uctx, cancel := context.WithTimeout(ctx, s3UploadTimeout)
	defer cancel()
	_, err := st.s3svc.PutObjectWithContext(uctx, &s3.PutObjectInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(http.DetectContentType(data)),
		ACL:         aws.String("public-read"),
	})
	if err != nil {
		return "", fmt.Errorf("could not save %s to s3: %w", name, err)
	}
	url := st.host + "/" + name
	clog.V(common.VERBOSE).Infof(ctx, "Saved to S3 url=%s bytes=%d", url, len(data))
	return url, nil
}
