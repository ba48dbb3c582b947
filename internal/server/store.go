package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/gostones/fundupload/internal/config"
	"github.com/gostones/fundupload/internal/types"
)

// ErrObjectNotFound is returned by Head for a key that was never written.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is what storage reports about a written object.
type ObjectInfo struct {
	Size        int64
	ETag        string
	ContentType string
}

// ObjectStore signs grants for, and inspects, one bucket.
type ObjectStore interface {
	PresignPut(key, contentType string, expiry time.Duration) (string, error)
	PresignPost(key, contentType string, maxSize int64, expiry time.Duration) (string, types.Fields, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	ObjectURL(key string) string
}

// S3Store is an ObjectStore over any S3-compatible endpoint (AWS, R2, MinIO).
type S3Store struct {
	svc    *s3.S3
	creds  *credentials.Credentials
	cfg    config.StorageConfig
	now    func() time.Time
	region string
}

// NewS3Store creates a store. Static credentials from cfg take precedence
// over the SDK's default chain.
func NewS3Store(cfg config.StorageConfig) (*S3Store, error) {
	awsCfg := aws.NewConfig().
		WithRegion(cfg.Region).
		WithS3ForcePathStyle(cfg.ForcePathStyle)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage session: %w", err)
	}
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("bad storage credentials: %w", err)
	}

	return &S3Store{
		svc:    s3.New(sess),
		creds:  sess.Config.Credentials,
		cfg:    cfg,
		now:    time.Now,
		region: aws.StringValue(sess.Config.Region),
	}, nil
}

// PresignPut returns a URL for a single PUT with a signed Content-Type.
func (r *S3Store) PresignPut(key, contentType string, expiry time.Duration) (string, error) {
	req, _ := r.svc.PutObjectRequest(&s3.PutObjectInput{
		Bucket:      aws.String(r.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	return req.Presign(expiry)
}

// PresignPost returns the form target and the ordered fields of a SigV4 POST
// policy limited to key, contentType and maxSize bytes.
func (r *S3Store) PresignPost(key, contentType string, maxSize int64, expiry time.Duration) (string, types.Fields, error) {
	v, err := r.creds.Get()
	if err != nil {
		return "", nil, err
	}
	return r.bucketURL(), buildPostPolicy(postPolicyInput{
		Bucket:       r.cfg.Bucket,
		Region:       r.region,
		Key:          key,
		ContentType:  contentType,
		MaxSize:      maxSize,
		Expiry:       expiry,
		Now:          r.now().UTC(),
		AccessKeyID:  v.AccessKeyID,
		SecretKey:    v.SecretAccessKey,
		SessionToken: v.SessionToken,
	}), nil
}

// Head reports size, ETag and type of key.
func (r *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := r.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.RequestFailure
		if errors.As(err, &aerr) && aerr.StatusCode() == http.StatusNotFound {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return &ObjectInfo{
		Size:        aws.Int64Value(out.ContentLength),
		ETag:        strings.Trim(aws.StringValue(out.ETag), `"`),
		ContentType: aws.StringValue(out.ContentType),
	}, nil
}

// ObjectURL is the public address of key.
func (r *S3Store) ObjectURL(key string) string {
	if r.cfg.PublicBaseURL != "" {
		return strings.TrimRight(r.cfg.PublicBaseURL, "/") + "/" + key
	}
	return r.bucketURL() + key
}

func (r *S3Store) bucketURL() string {
	if r.cfg.Endpoint != "" {
		ep := strings.TrimRight(r.cfg.Endpoint, "/")
		if r.cfg.ForcePathStyle {
			return ep + "/" + r.cfg.Bucket + "/"
		}
		scheme, host := "https://", ep
		if i := strings.Index(ep, "://"); i >= 0 {
			scheme, host = ep[:i+3], ep[i+3:]
		}
		return scheme + r.cfg.Bucket + "." + host + "/"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", r.cfg.Bucket, r.region)
}

type postPolicyInput struct {
	Bucket       string
	Region       string
	Key          string
	ContentType  string
	MaxSize      int64
	Expiry       time.Duration
	Now          time.Time
	AccessKeyID  string
	SecretKey    string
	SessionToken string
}

const (
	postAlgorithm  = "AWS4-HMAC-SHA256"
	amzDateFormat  = "20060102T150405Z"
	amzShortFormat = "20060102"
)

// buildPostPolicy lays the fields out in the order storage expects them:
// everything the policy covers, then the policy, then its signature.
func buildPostPolicy(in postPolicyInput) types.Fields {
	date := in.Now.Format(amzShortFormat)
	amzDate := in.Now.Format(amzDateFormat)
	credential := fmt.Sprintf("%s/%s/%s/s3/aws4_request", in.AccessKeyID, date, in.Region)

	conditions := []interface{}{
		map[string]string{"bucket": in.Bucket},
		map[string]string{"key": in.Key},
		map[string]string{"Content-Type": in.ContentType},
		[]interface{}{"content-length-range", 0, in.MaxSize},
		map[string]string{"x-amz-algorithm": postAlgorithm},
		map[string]string{"x-amz-credential": credential},
		map[string]string{"x-amz-date": amzDate},
	}
	if in.SessionToken != "" {
		conditions = append(conditions, map[string]string{"x-amz-security-token": in.SessionToken})
	}

	doc, _ := json.Marshal(map[string]interface{}{
		"expiration": in.Now.Add(in.Expiry).Format("2006-01-02T15:04:05.000Z"),
		"conditions": conditions,
	})
	policy := base64.StdEncoding.EncodeToString(doc)

	signingKey := hmacSHA256([]byte("AWS4"+in.SecretKey), date)
	signingKey = hmacSHA256(signingKey, in.Region)
	signingKey = hmacSHA256(signingKey, "s3")
	signingKey = hmacSHA256(signingKey, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(signingKey, policy))

	fields := types.Fields{
		{Name: "key", Value: in.Key},
		{Name: "Content-Type", Value: in.ContentType},
		{Name: "x-amz-algorithm", Value: postAlgorithm},
		{Name: "x-amz-credential", Value: credential},
		{Name: "x-amz-date", Value: amzDate},
	}
	if in.SessionToken != "" {
		fields = append(fields, types.Field{Name: "x-amz-security-token", Value: in.SessionToken})
	}
	return append(fields,
		types.Field{Name: "policy", Value: policy},
		types.Field{Name: "x-amz-signature", Value: signature},
	)
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
