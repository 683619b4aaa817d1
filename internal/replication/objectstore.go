package replication

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/drcore/internal/topology"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	defaultCanaryKey = ".drcore/canary"
	writtenAtMeta    = "written-at"
)

// ObjectStoreConfig configures the canary-object lag source
type ObjectStoreConfig struct {
	Buckets   map[topology.RegionID]string
	Regions   map[topology.RegionID]string // cloud region per topology region, defaults to the region ID
	Endpoint  string
	AccessKey string
	SecretKey string
	CanaryKey string
	PathStyle bool
}

// ObjectStoreLagSource measures object-store replication lag with a canary
// object. The poller heartbeats the canary into the source bucket and the
// lag is the age of the oldest canary the destination has not received.
type ObjectStoreLagSource struct {
	config ObjectStoreConfig
	base   aws.Config
	logger *zap.Logger
	beats  *heartbeatLog

	mu      sync.Mutex
	clients map[topology.RegionID]*s3.Client
	now     func() time.Time
}

// NewObjectStoreLagSource loads the AWS configuration and creates the source
func NewObjectStoreLagSource(ctx context.Context, cfg ObjectStoreConfig, logger *zap.Logger) (*ObjectStoreLagSource, error) {
	if len(cfg.Buckets) == 0 {
		return nil, fmt.Errorf("replication: s3 adapter needs bucket.<region> options")
	}
	if cfg.CanaryKey == "" {
		cfg.CanaryKey = defaultCanaryKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	base, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &ObjectStoreLagSource{
		config:  cfg,
		base:    base,
		logger:  logger,
		beats:   newHeartbeatLog(heartbeatHistory),
		clients: make(map[topology.RegionID]*s3.Client),
		now:     time.Now,
	}, nil
}

// Kind returns StoreObject
func (o *ObjectStoreLagSource) Kind() StoreKind { return StoreObject }

func (o *ObjectStoreLagSource) client(region topology.RegionID) *s3.Client {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.clients[region]; ok {
		return c
	}

	cloudRegion := o.config.Regions[region]
	if cloudRegion == "" {
		cloudRegion = string(region)
	}
	c := s3.NewFromConfig(o.base, func(opts *s3.Options) {
		opts.Region = cloudRegion
		if o.config.Endpoint != "" {
			opts.BaseEndpoint = aws.String(o.config.Endpoint)
		}
		opts.UsePathStyle = o.config.PathStyle
	})
	o.clients[region] = c
	return c
}

func (o *ObjectStoreLagSource) bucket(region topology.RegionID) (string, error) {
	b, ok := o.config.Buckets[region]
	if !ok {
		return "", fmt.Errorf("replication: no bucket for region %s", region)
	}
	return b, nil
}

// Heartbeat writes a fresh canary into the source bucket
func (o *ObjectStoreLagSource) Heartbeat(ctx context.Context, ch Channel) error {
	bucket, err := o.bucket(ch.Source)
	if err != nil {
		return err
	}

	nanos := o.now().UnixNano()
	stamp := strconv.FormatInt(nanos, 10)
	_, err = o.client(ch.Source).PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(o.config.CanaryKey),
		Body:     strings.NewReader(stamp),
		Metadata: map[string]string{writtenAtMeta: stamp},
	})
	if err != nil {
		return fmt.Errorf("write canary to %s: %w", bucket, err)
	}
	o.beats.record(ch.Source, nanos)
	return nil
}

// Lag compares the canary the destination holds with the canaries written
// into the source
func (o *ObjectStoreLagSource) Lag(ctx context.Context, ch Channel) (Sample, error) {
	src, err := o.writtenAt(ctx, ch.Source)
	if err != nil {
		return Sample{}, err
	}
	dst, err := o.writtenAt(ctx, ch.Dest)
	if err != nil {
		return Sample{}, err
	}

	now := o.now()
	return Sample{Lag: o.beats.lag(ch.Source, src, dst, now), ObservedAt: now}, nil
}

func (o *ObjectStoreLagSource) writtenAt(ctx context.Context, region topology.RegionID) (time.Time, error) {
	bucket, err := o.bucket(region)
	if err != nil {
		return time.Time{}, err
	}

	out, err := o.client(region).HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(o.config.CanaryKey),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("head canary in %s: %w", bucket, err)
	}

	if raw, ok := out.Metadata[writtenAtMeta]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			return time.Unix(0, nanos), nil
		}
		o.logger.Warn("ignoring malformed canary stamp",
			zap.String("bucket", bucket),
			zap.String("value", raw))
	}
	if out.LastModified != nil {
		return *out.LastModified, nil
	}
	return time.Time{}, fmt.Errorf("replication: canary in %s has no timestamp", bucket)
}

// Close releases nothing; S3 clients hold no dedicated resources
func (o *ObjectStoreLagSource) Close() error { return nil }
