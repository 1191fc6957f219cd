package wheelforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps the S3 client for a Cloudflare R2 wheel mirror. Wheels
// are keyed wheels/<arch>/<filename> with a JSON index alongside, so a fleet
// of devices can share one slow build.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
	WheelDir   string // where fetched wheels land locally
}

// mirrorEntry is one wheel in the mirror index.
type mirrorEntry struct {
	Package  string `json:"package"`
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

const mirrorIndexKey = "wheels/%s/index.json"

// NewMirrorClient initializes a mirror client from configuration values.
// Returns nil without error when the mirror is simply not configured.
func NewMirrorClient(cfg *Config, wheelDir string) (*MirrorClient, error) {
	accountID := cfg.Values["R2_ACCOUNT_ID"]
	accessKey := cfg.Values["R2_ACCESS_KEY_ID"]
	secretKey := cfg.Values["R2_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["R2_BUCKET_NAME"]

	if accountID == "" && accessKey == "" && secretKey == "" && bucketName == "" {
		return nil, nil
	}
	if accountID == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("%w: incomplete mirror configuration (need R2_ACCOUNT_ID, R2_ACCESS_KEY_ID, R2_SECRET_ACCESS_KEY, R2_BUCKET_NAME)", errPreconditionFailed)
	}

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
		}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(r2Resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{
		Client:     client,
		BucketName: bucketName,
		WheelDir:   wheelDir,
	}, nil
}

// FetchWheel looks the package version up in the mirror index and, on a hit,
// downloads the wheel into the local wheel directory. Returns "" when the
// mirror holds nothing for this version; a checksum mismatch discards the
// download and is treated as a miss.
func (m *MirrorClient) FetchWheel(ctx context.Context, spec *PackageSpec, version string) (string, error) {
	idx, err := m.loadIndex(ctx)
	if err != nil {
		debugf("mirror index unavailable: %v\n", err)
		return "", nil
	}
	var hit *mirrorEntry
	for i := range idx {
		if normalizeDistName(idx[i].Package) == normalizeDistName(spec.Name) && idx[i].Version == version {
			hit = &idx[i]
			break
		}
	}
	if hit == nil {
		return "", nil
	}

	body, err := m.downloadObject(ctx, m.wheelKey(hit.Filename))
	if err != nil {
		return "", nil
	}
	dest := filepath.Join(m.WheelDir, hit.Filename)
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return "", err
	}
	sum, err := archiveChecksum(dest)
	if err != nil {
		return "", err
	}
	if hit.Checksum != "" && sum != hit.Checksum {
		os.Remove(dest)
		cPrintf(colWarn, "mirror copy of %s failed its checksum, rebuilding locally\n", hit.Filename)
		return "", nil
	}
	return dest, nil
}

// UploadWheel publishes a locally built wheel and updates the index entry
// for its package and version.
func (m *MirrorClient) UploadWheel(ctx context.Context, wheelPath string) error {
	info, err := ParseWheelFilename(filepath.Base(wheelPath))
	if err != nil {
		return err
	}
	sum, err := archiveChecksum(wheelPath)
	if err != nil {
		return err
	}
	st, err := os.Stat(wheelPath)
	if err != nil {
		return err
	}

	if err := m.uploadLocalFile(ctx, m.wheelKey(filepath.Base(wheelPath)), wheelPath); err != nil {
		return err
	}

	idx, err := m.loadIndex(ctx)
	if err != nil {
		idx = nil
	}
	entry := mirrorEntry{
		Package:  info.Name,
		Version:  info.Version,
		Filename: filepath.Base(wheelPath),
		Checksum: sum,
		Size:     st.Size(),
	}
	replaced := false
	for i := range idx {
		if idx[i].Package == entry.Package && idx[i].Version == entry.Version {
			idx[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		idx = append(idx, entry)
	}
	sort.Slice(idx, func(i, j int) bool {
		if idx[i].Package != idx[j].Package {
			return idx[i].Package < idx[j].Package
		}
		return compareVersions(idx[i].Version, idx[j].Version) < 0
	})
	return m.saveIndex(ctx, idx)
}

func (m *MirrorClient) wheelKey(filename string) string {
	return fmt.Sprintf("wheels/%s/%s", arch, filename)
}

func (m *MirrorClient) loadIndex(ctx context.Context) ([]mirrorEntry, error) {
	body, err := m.downloadObject(ctx, fmt.Sprintf(mirrorIndexKey, arch))
	if err != nil {
		return nil, err
	}
	var idx []mirrorEntry
	if err := json.Unmarshal(body, &idx); err != nil {
		return nil, fmt.Errorf("corrupt mirror index: %w", err)
	}
	return idx, nil
}

func (m *MirrorClient) saveIndex(ctx context.Context, idx []mirrorEntry) error {
	body, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return m.uploadObject(ctx, fmt.Sprintf(mirrorIndexKey, arch), body)
}

func (m *MirrorClient) downloadObject(ctx context.Context, key string) ([]byte, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

func (m *MirrorClient) uploadObject(ctx context.Context, key string, body []byte) error {
	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".json") {
		contentType = "application/json"
	}
	_, err := m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	return err
}

func (m *MirrorClient) uploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}

// ListWheels returns the mirror's wheel objects for this architecture.
func (m *MirrorClient) ListWheels(ctx context.Context) ([]mirrorEntry, error) {
	idx, err := m.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	return idx, nil
}
