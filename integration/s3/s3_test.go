//go:build integration

// Package s3 runs pull and push against a LocalStack S3 bucket.
package s3

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mko/gloader/internal/config"
	"github.com/mko/gloader/internal/retry"
	"github.com/mko/gloader/internal/store"
	"github.com/mko/gloader/internal/store/local"
	"github.com/mko/gloader/internal/store/s3store"
	"github.com/mko/gloader/internal/sync"
	"github.com/mko/gloader/internal/testutil"
)

const (
	bucket = "gloader-it"
	region = "us-east-1"
)

// startLocalStack runs a LocalStack container and returns its endpoint.
func startLocalStack(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := localstack.Run(ctx,
		"localstack/localstack:latest",
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/_localstack/health").
				WithPort("4566").
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("failed to start LocalStack container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate LocalStack container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		t.Fatalf("failed to load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String(endpoint)
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}
	return endpoint
}

// newBackend connects to the bucket and returns the retrying remote and the
// id of its "sync" folder.
func newBackend(t *testing.T, endpoint string) (store.Remote, string) {
	t.Helper()
	logger := testutil.Logger()
	s, err := s3store.New(context.Background(), s3store.Options{
		Bucket:       bucket,
		Region:       region,
		Endpoint:     endpoint,
		Prefix:       "it",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
		PartSize:     s3store.MinPartSize,
	}, logger)
	if err != nil {
		t.Fatalf("failed to create s3 store: %v", err)
	}

	rootID, err := store.ResolvePath(context.Background(), s, s.RootID(), []string{"sync"}, true)
	if err != nil {
		t.Fatalf("failed to resolve sync folder: %v", err)
	}
	return retry.Wrap(s, retry.Config{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}, logger), rootID
}

func newEngine(remote store.Remote, rootID string, ls *local.Store) *sync.Engine {
	return sync.NewEngine(sync.Options{
		RootName: "sync",
		RootID:   rootID,
		Policy:   config.ConfirmAlways,
	}, remote, ls, nil, testutil.Logger())
}

func TestPushThenPull(t *testing.T) {
	endpoint := startLocalStack(t)
	remote, rootID := newBackend(t, endpoint)
	ctx := context.Background()

	big := make([]byte, s3store.MinPartSize+1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	files := map[string]string{
		"readme.md":           "hello",
		"docs/guide.txt":      "guide",
		"docs/deep/notes.txt": "notes",
		"media/big.bin":       string(big),
	}

	src := local.New(memfs.New(), memfs.New())
	testutil.SeedFS(t, src.Filesystem(), files)

	outcome, err := newEngine(remote, rootID, src).Push(ctx)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if outcome != sync.Applied {
		t.Fatalf("Push() outcome = %v, want applied", outcome)
	}

	dst := local.New(memfs.New(), memfs.New())
	outcome, err = newEngine(remote, rootID, dst).Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if outcome != sync.Applied {
		t.Fatalf("Pull() outcome = %v, want applied", outcome)
	}

	if got := testutil.ReadFS(t, dst.Filesystem()); !reflect.DeepEqual(got, files) {
		t.Errorf("pulled files differ, got keys %v want %v", testutil.SortedKeys(got), testutil.SortedKeys(files))
	}

	outcome, err = newEngine(remote, rootID, dst).Pull(ctx)
	if err != nil {
		t.Fatalf("second Pull() error = %v", err)
	}
	if outcome != sync.NothingToDo {
		t.Errorf("second Pull() outcome = %v, want nothing-to-do", outcome)
	}
}

func TestPushDeletionTrashes(t *testing.T) {
	endpoint := startLocalStack(t)
	remote, rootID := newBackend(t, endpoint)
	ctx := context.Background()

	src := local.New(memfs.New(), memfs.New())
	testutil.SeedFS(t, src.Filesystem(), map[string]string{
		"keep.txt":     "k",
		"old/gone.txt": "g",
	})
	if _, err := newEngine(remote, rootID, src).Push(ctx); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if err := src.Remove("old"); err != nil {
		t.Fatalf("failed to remove local dir: %v", err)
	}
	if _, err := newEngine(remote, rootID, src).Push(ctx); err != nil {
		t.Fatalf("second Push() error = %v", err)
	}

	children, err := remote.ListChildren(ctx, rootID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	if len(children) != 1 || children[0].Name != "keep.txt" {
		t.Errorf("remote children = %+v, want only keep.txt", children)
	}
}
