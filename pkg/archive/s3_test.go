package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
	err     error
}

func (f *fakePutter) PutObject(
	_ context.Context,
	params *s3.PutObjectInput,
	_ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[aws.ToString(params.Key)] = string(data)
	f.types[aws.ToString(params.Key)] = aws.ToString(params.ContentType)

	return &s3.PutObjectOutput{}, nil
}

func newFakeArchiver(prefix string, putErr error) (*s3Archiver, *fakePutter) {
	fp := &fakePutter{
		objects: make(map[string]string),
		types:   make(map[string]string),
		err:     putErr,
	}

	return &s3Archiver{
		log:    logrus.New(),
		cfg:    &config.S3Config{Bucket: "bucket", Prefix: prefix},
		client: fp,
	}, fp
}

func TestResolveKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		parts  []string
		want   string
	}{
		{
			name:  "default prefix",
			parts: []string{"Alpha-TR-1", "run.json"},
			want:  "qadash/runs/Alpha-TR-1/run.json",
		},
		{
			name:   "custom prefix",
			prefix: "team/qa",
			parts:  []string{"Alpha-TR-2", "output.log"},
			want:   "team/qa/Alpha-TR-2/output.log",
		},
		{
			name:   "trailing slash stripped",
			prefix: "archive/",
			parts:  []string{"run"},
			want:   "archive/run",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newFakeArchiver(tt.prefix, nil)
			assert.Equal(t, tt.want, a.resolveKey(tt.parts...))
		})
	}
}

func TestFinalize_UploadsRecordAndLog(t *testing.T) {
	a, fp := newFakeArchiver("", nil)

	logPath := filepath.Join(t.TempDir(), "Alpha-TR-1.log")
	require.NoError(t, os.WriteFile(logPath, []byte("all good\n"), 0644))

	run := &registry.Run{ID: "Alpha-TR-1", Status: registry.StatusPassed, Results: "Exit code: 0"}
	require.NoError(t, a.Finalize(context.Background(), run, logPath))

	keys := make([]string, 0, len(fp.objects))
	for k := range fp.objects {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	assert.Equal(t, []string{
		"qadash/runs/Alpha-TR-1/output.log",
		"qadash/runs/Alpha-TR-1/run.json",
	}, keys)
	assert.Equal(t, "all good\n", fp.objects["qadash/runs/Alpha-TR-1/output.log"])
	assert.Contains(t, fp.objects["qadash/runs/Alpha-TR-1/run.json"], `"results": "Exit code: 0"`)
	assert.Equal(t, "application/json", fp.types["qadash/runs/Alpha-TR-1/run.json"])
}

func TestFinalize_MissingLogUploadsRecordOnly(t *testing.T) {
	a, fp := newFakeArchiver("", nil)

	run := &registry.Run{ID: "Alpha-TR-1", Status: registry.StatusFailed}
	require.NoError(t, a.Finalize(context.Background(), run, filepath.Join(t.TempDir(), "none.log")))

	assert.Len(t, fp.objects, 1)
	assert.Contains(t, fp.objects, "qadash/runs/Alpha-TR-1/run.json")
}

func TestFinalize_PropagatesUploadError(t *testing.T) {
	a, _ := newFakeArchiver("", errors.New("access denied"))

	err := a.Finalize(context.Background(), &registry.Run{ID: "x"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestPreflight(t *testing.T) {
	a, fp := newFakeArchiver("p", nil)

	require.NoError(t, a.Preflight(context.Background()))
	assert.Contains(t, fp.objects, "p/.qadash-write-test")

	failing, _ := newFakeArchiver("p", errors.New("no bucket"))
	assert.Error(t, failing.Preflight(context.Background()))
}
