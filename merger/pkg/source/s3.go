package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"
)

const DefaultRegion = "us-east-1"

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3ClientConfig struct {
	Region string
	// EndpointURL is an optional custom endpoint, e.g. MinIO.
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client. Static credentials are used when an access
// key is given, otherwise the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*s3.Client, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = true
		},
	}
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}
	return s3.NewFromConfig(awsCfg, clientOpts...), nil
}

type S3SourceConfig struct {
	Logger *slog.Logger
	Client S3API
	Bucket string
	Prefix string
	// Suffix filters object keys. Defaults to .csv.
	Suffix string
	// RequestsPerSecond limits S3 calls. Zero means unlimited.
	RequestsPerSecond float64
}

func (cfg *S3SourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Suffix == "" {
		cfg.Suffix = ".csv"
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must be non-negative")
	}
	return nil
}

// S3Source reads batch files from an S3 bucket prefix.
type S3Source struct {
	log     *slog.Logger
	cfg     S3SourceConfig
	limiter *rate.Limiter
}

func NewS3Source(cfg S3SourceConfig) (*S3Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &S3Source{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: limiter,
	}, nil
}

func (s *S3Source) List(ctx context.Context) ([]Ref, error) {
	var refs []Ref
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
	}
	if s.cfg.Prefix != "" {
		input.Prefix = aws.String(s.cfg.Prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.cfg.Client, input)
	for paginator.HasMorePages() {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in %s: %w", s.cfg.Bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || !strings.HasSuffix(key, s.cfg.Suffix) {
				continue
			}
			refs = append(refs, newRef(key))
		}
	}
	sortRefs(refs)
	s.log.Debug("source: listed objects", "bucket", s.cfg.Bucket, "prefix", s.cfg.Prefix, "count", len(refs))
	return refs, nil
}

func (s *S3Source) Open(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := s.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(ref.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", ref.ID, err)
	}
	return out.Body, nil
}
