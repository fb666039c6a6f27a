// Package trace archives the operation traces of transactions that ended in
// compensation or manual review. Traces are JSON documents in an S3 compatible
// object store (AWS S3 or minio), keyed by day and transaction id, so an
// operator reviewing a NEEDS_MANUAL_REVIEW transaction can pull the full
// picture: the operations, what committed where, and the compensations that
// were attempted.
package trace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sharedcode/duet"
	"github.com/sharedcode/duet/encoding"
)

// uploadPartSize also serves as the threshold below which the uploader does a
// single PutObject. Traces are far smaller; the multipart path exists for
// pathological operation batches.
const uploadPartSize = 10 * 1024 * 1024

type Config struct {
	// "http://127.0.0.1:9000" for minio. Leave empty to use the AWS default
	// credential and region chain of the host.
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
	// Bucket receiving the trace objects.
	Bucket string
}

// IsEmpty reports whether no trace archive is configured at all.
func (c Config) IsEmpty() bool {
	return c.Bucket == ""
}

// Trace is the audit document uploaded per failed transaction.
type Trace struct {
	TransactionID string             `json:"transaction_id"`
	Status        string             `json:"status"`
	Reason        string             `json:"reason"`
	Operations    []duet.Operation   `json:"operations"`
	Compensations []duet.Operation   `json:"compensations,omitempty"`
	ErrorRecords  []duet.ErrorRecord `json:"error_records,omitempty"`
	Started       time.Time          `json:"started"`
	Ended         time.Time          `json:"ended"`
}

// Client is the slice of the S3 API the archiver uses. *s3.Client satisfies it.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver persists traces. Archive returns the object key the trace landed
// on, "" when archiving is off.
type Archiver interface {
	Archive(ctx context.Context, tr Trace) (string, error)
	Fetch(ctx context.Context, key string) (Trace, error)
}

// Connect builds the S3 client. With a HostEndpointUrl the static credentials
// of the Config are used (the minio arrangement); otherwise the AWS default
// configuration chain of the host machine decides.
func Connect(ctx context.Context, config Config) (*s3.Client, error) {
	if config.HostEndpointUrl != "" {
		client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		})
		return client, nil
	}
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't load default AWS configuration, details: %v", err)
	}
	return s3.NewFromConfig(sdkConfig), nil
}

type s3Archiver struct {
	client Client
	bucket string
}

func NewArchiver(client Client, bucket string) (Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("client parameter can't be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket parameter can't be empty")
	}
	return &s3Archiver{
		client: client,
		bucket: bucket,
	}, nil
}

// Key is the object key a trace is stored under: day bucketed so retention
// can be a plain bucket lifecycle rule on the traces/ prefix.
func Key(transactionID string, ended time.Time) string {
	return fmt.Sprintf("traces/%s/%s.json", ended.UTC().Format("2006/01/02"), transactionID)
}

func (a *s3Archiver) Archive(ctx context.Context, tr Trace) (string, error) {
	if tr.Ended.IsZero() {
		tr.Ended = duet.Now()
	}
	ba, err := encoding.Marshal(tr)
	if err != nil {
		return "", err
	}
	key := Key(tr.TransactionID, tr.Ended)
	uploader := manager.NewUploader(a.client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ba),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("couldn't upload trace %s to bucket %s, details: %v", key, a.bucket, err)
	}
	return key, nil
}

func (a *s3Archiver) Fetch(ctx context.Context, key string) (Trace, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Trace{}, fmt.Errorf("couldn't fetch trace %s from bucket %s, details: %v", key, a.bucket, err)
	}
	defer result.Body.Close()
	body, err := io.ReadAll(result.Body)
	if err != nil {
		return Trace{}, err
	}
	var tr Trace
	if err := encoding.Unmarshal(body, &tr); err != nil {
		return Trace{}, err
	}
	return tr, nil
}

// noopArchiver is the Archiver used when no trace archive is configured.
// Archiving never blocks or fails a transaction outcome.
type noopArchiver struct{}

func NewNoopArchiver() Archiver {
	return noopArchiver{}
}

func (noopArchiver) Archive(ctx context.Context, tr Trace) (string, error) {
	return "", nil
}

func (noopArchiver) Fetch(ctx context.Context, key string) (Trace, error) {
	return Trace{}, fmt.Errorf("trace archive is not configured")
}
