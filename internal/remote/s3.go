package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/logging"
)

const s3HeadConcurrency = 16

// S3API is the part of the S3 client the transport uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3Transport. It is decoded from the remote backend
// options.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	Logger *zap.Logger `mapstructure:"-"`
	// Client replaces the SDK client.
	Client S3API `mapstructure:"-"`
}

// S3Transport stores blobs under <prefix>/cas/<hash> and action results
// under <prefix>/ac/<hash> in a bucket.
type S3Transport struct {
	cfg    S3Config
	client *resettable[S3API]
	log    *zap.Logger
}

// NewS3Transport validates cfg. The SDK client is built on first use and
// rebuilt after InvalidateCredentials.
func NewS3Transport(cfg S3Config) (*S3Transport, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("remote: s3 bucket is required")
	}
	t := &S3Transport{cfg: cfg, log: logging.OrNop(cfg.Logger).Named("s3")}
	t.client = &resettable[S3API]{build: t.newClient}
	return t, nil
}

func (t *S3Transport) newClient(ctx context.Context) (S3API, error) {
	if t.cfg.Client != nil {
		return t.cfg.Client, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		// The shared retry policy is the only retry loop.
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if t.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(t.cfg.Region))
	}
	if t.cfg.AccessKeyID != "" && t.cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.cfg.AccessKeyID, t.cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, caserr.Fatal(fmt.Errorf("load aws config: %w", err))
	}
	t.log.Debug("aws config loaded", zap.String("bucket", t.cfg.Bucket), zap.String("region", awsCfg.Region))
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = t.cfg.UsePathStyle
		if t.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(t.cfg.Endpoint)
		}
	}), nil
}

func (t *S3Transport) casKey(d digest.Digest) string {
	return path.Join(t.cfg.KeyPrefix, "cas", d.Hash)
}

func (t *S3Transport) acKey(d digest.Digest) string {
	return path.Join(t.cfg.KeyPrefix, "ac", d.Hash)
}

func (t *S3Transport) FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	client, err := t.client.get(ctx)
	if err != nil {
		return nil, err
	}
	p := pool.NewWithResults[digest.Digest]().
		WithContext(ctx).
		WithMaxGoroutines(s3HeadConcurrency).
		WithCancelOnError().
		WithFirstError()
	for _, d := range digests {
		p.Go(func(ctx context.Context) (digest.Digest, error) {
			out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(t.cfg.Bucket),
				Key:    aws.String(t.casKey(d)),
			})
			if err != nil {
				cerr := classifyS3(err)
				if errors.Is(cerr, caserr.ErrNotFound) {
					return d, nil
				}
				return digest.Digest{}, cerr
			}
			if out.ContentLength != nil && *out.ContentLength != d.Size {
				return digest.Digest{}, caserr.Fatal(fmt.Errorf("object for %s holds %d bytes", d, *out.ContentLength))
			}
			return digest.Digest{}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	missing := results[:0]
	for _, d := range results {
		if !d.IsZero() {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (t *S3Transport) get(ctx context.Context, key string, limit int64) ([]byte, error) {
	client, err := t.client.get(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, limit))
	if err != nil {
		return nil, caserr.Transient(fmt.Errorf("read object %s: %w", key, err))
	}
	return data, nil
}

func (t *S3Transport) put(ctx context.Context, key string, data []byte) error {
	client, err := t.client.get(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(t.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return classifyS3(err)
}

func (t *S3Transport) Read(ctx context.Context, d digest.Digest) ([]byte, error) {
	return t.get(ctx, t.casKey(d), d.Size+1)
}

func (t *S3Transport) Write(ctx context.Context, d digest.Digest, data []byte) error {
	return t.put(ctx, t.casKey(d), data)
}

// maxActionResult bounds an encoded action result.
const maxActionResult = 16 << 20

func (t *S3Transport) GetActionResult(ctx context.Context, action digest.Digest) (*remoteexecution.ActionResult, error) {
	raw, err := t.get(ctx, t.acKey(action), maxActionResult)
	if err != nil {
		return nil, err
	}
	res := &remoteexecution.ActionResult{}
	if err := proto.Unmarshal(raw, res); err != nil {
		return nil, caserr.Fatal(fmt.Errorf("decode action result: %w", err))
	}
	return res, nil
}

func (t *S3Transport) UpdateActionResult(ctx context.Context, action digest.Digest, result *remoteexecution.ActionResult) error {
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(result)
	if err != nil {
		return caserr.Fatal(fmt.Errorf("encode action result: %w", err))
	}
	return t.put(ctx, t.acKey(action), raw)
}

func (t *S3Transport) InvalidateCredentials() { t.client.invalidate() }

func (t *S3Transport) Close() error { return nil }

func classifyS3(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return caserr.NotFound(err)
		case "InvalidAccessKeyId", "ExpiredToken", "SignatureDoesNotMatch", "TokenRefreshRequired":
			return unauthenticated(err)
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return caserr.Transient(err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return caserr.NotFound(err)
		case code == http.StatusTooManyRequests, code >= 500:
			return caserr.Transient(err)
		default:
			return caserr.Fatal(err)
		}
	}
	if apiErr != nil {
		return caserr.Fatal(err)
	}
	return caserr.Transient(err)
}
