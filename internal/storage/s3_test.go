package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingPutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (r *recordingPutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	r.input = params
	if params.Body != nil {
		r.body, _ = io.ReadAll(params.Body)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3StoreUpload(t *testing.T) {
	putter := &recordingPutter{}
	store := &S3Store{client: putter, bucket: "invoices", baseURL: "http://minio:9000/invoices", logger: zerolog.Nop()}

	url, err := store.Upload(context.Background(), "INV-1/42.pdf", []byte("pdf"), "application/pdf")
	require.NoError(t, err)
	require.Equal(t, "http://minio:9000/invoices/INV-1/42.pdf", url)
	require.Equal(t, "invoices", aws.ToString(putter.input.Bucket))
	require.Equal(t, "INV-1/42.pdf", aws.ToString(putter.input.Key))
	require.Equal(t, "application/pdf", aws.ToString(putter.input.ContentType))
	require.Equal(t, int64(3), aws.ToInt64(putter.input.ContentLength))
	require.Equal(t, "pdf", string(putter.body))
}

func TestS3StoreUploadError(t *testing.T) {
	store := &S3Store{client: &recordingPutter{err: errors.New("boom")}, bucket: "invoices", logger: zerolog.Nop()}
	_, err := store.Upload(context.Background(), "INV-1/42.pdf", []byte("pdf"), "")
	require.ErrorContains(t, err, "put object INV-1/42.pdf")
}

func TestPublicBase(t *testing.T) {
	require.Equal(t, "https://cdn.example.com", publicBase(S3Config{PublicBaseURL: "https://cdn.example.com/"}, "", "eu-west-1"))
	require.Equal(t, "https://invoices.s3.eu-west-1.amazonaws.com", publicBase(S3Config{Bucket: "invoices"}, "", "eu-west-1"))
	require.Equal(t, "http://minio:9000/invoices", publicBase(S3Config{Bucket: "invoices", UsePathStyle: true}, "http://minio:9000", "us-east-1"))
	require.Equal(t, "https://invoices.r2.example.com", publicBase(S3Config{Bucket: "invoices"}, "https://r2.example.com", "auto"))
}

func TestNewS3StoreValidation(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{}, zerolog.Nop())
	require.Error(t, err)
	_, err = NewS3Store(context.Background(), S3Config{Bucket: "invoices"}, zerolog.Nop())
	require.Error(t, err)
}
