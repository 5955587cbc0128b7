package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	fail    map[string]error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Bucket)+"/"+key] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[key]
	return v, ok
}

type fakeSnapshot struct {
	collections map[string][]string
	listErr     error
	dumpErr     map[string]error
}

func (f *fakeSnapshot) Collections(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.collections))
	for _, name := range []string{"appointments", "healthRecords", "messages", "users"} {
		if _, ok := f.collections[name]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeSnapshot) Dump(ctx context.Context, collection string, w io.Writer) (int64, error) {
	if err := f.dumpErr[collection]; err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range f.collections[collection] {
		if _, err := fmt.Fprintln(w, doc); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func newSnapshot() *fakeSnapshot {
	return &fakeSnapshot{
		collections: map[string][]string{
			"appointments": {`{"_id":"a1","status":"scheduled"}`},
			"messages":     {`{"_id":"m1"}`, `{"_id":"m2"}`},
		},
		dumpErr: map[string]error{},
	}
}

func TestNewS3Exporter_RequiresBucket(t *testing.T) {
	_, err := NewS3Exporter(newFakeS3(), newSnapshot(), S3Config{}, nil)
	assert.Error(t, err)
}

func TestS3Exporter_RequestExport(t *testing.T) {
	client := newFakeS3()
	logger, _ := test.NewNullLogger()
	exporter, err := NewS3Exporter(client, newSnapshot(), S3Config{Bucket: "mediconnect-backups"}, logger)
	require.NoError(t, err)

	export, err := exporter.RequestExport(context.Background(), "2026-05-02")
	require.NoError(t, err)
	assert.Equal(t, "s3://mediconnect-backups/firestore/2026-05-02", export.Location)
	assert.True(t, strings.HasPrefix(export.Operation, "exports/"))

	raw, ok := client.get("mediconnect-backups/firestore/2026-05-02/manifest.json")
	require.True(t, ok, "manifest is written before RequestExport returns")

	var m manifest
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, export.Operation, m.Operation)
	assert.Equal(t, "2026-05-02", m.DateKey)
	assert.Equal(t, []string{"appointments", "messages"}, m.Collections)

	require.Eventually(t, func() bool {
		_, a := client.get("mediconnect-backups/firestore/2026-05-02/appointments.ndjson")
		_, b := client.get("mediconnect-backups/firestore/2026-05-02/messages.ndjson")
		return a && b
	}, 2*time.Second, 5*time.Millisecond)

	messages, _ := client.get("mediconnect-backups/firestore/2026-05-02/messages.ndjson")
	assert.Equal(t, "{\"_id\":\"m1\"}\n{\"_id\":\"m2\"}\n", messages)
}

func TestS3Exporter_CustomPrefix(t *testing.T) {
	exporter, err := NewS3Exporter(newFakeS3(), newSnapshot(), S3Config{Bucket: "b", Prefix: "exports/docstore"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "s3://b/exports/docstore/2026-05-02", exporter.Location("2026-05-02"))
}

func TestS3Exporter_ManifestFailure(t *testing.T) {
	client := newFakeS3()
	client.fail["firestore/2026-05-02/manifest.json"] = errors.New("AccessDenied")
	exporter, err := NewS3Exporter(client, newSnapshot(), S3Config{Bucket: "b"}, nil)
	require.NoError(t, err)

	_, err = exporter.RequestExport(context.Background(), "2026-05-02")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestS3Exporter_ListFailure(t *testing.T) {
	snapshot := newSnapshot()
	snapshot.listErr = errors.New("server selection timeout")
	exporter, err := NewS3Exporter(newFakeS3(), snapshot, S3Config{Bucket: "b"}, nil)
	require.NoError(t, err)

	_, err = exporter.RequestExport(context.Background(), "2026-05-02")
	assert.Error(t, err)
}

func TestS3Exporter_CollectionFailureIsLogged(t *testing.T) {
	client := newFakeS3()
	snapshot := newSnapshot()
	snapshot.dumpErr["appointments"] = errors.New("cursor killed")
	logger, hook := test.NewNullLogger()

	exporter, err := NewS3Exporter(client, snapshot, S3Config{Bucket: "b"}, logger)
	require.NoError(t, err)

	_, err = exporter.RequestExport(context.Background(), "2026-05-02")
	require.NoError(t, err, "acceptance does not wait for the copies")

	require.Eventually(t, func() bool {
		for _, entry := range hook.AllEntries() {
			if entry.Level == logrus.ErrorLevel && strings.Contains(fmt.Sprint(entry.Data[logrus.ErrorKey]), "cursor killed") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := client.get("b/firestore/2026-05-02/messages.ndjson")
	assert.True(t, ok)
	_, ok = client.get("b/firestore/2026-05-02/appointments.ndjson")
	assert.False(t, ok)
}

func TestTrigger_WithS3ExporterFailure(t *testing.T) {
	client := newFakeS3()
	client.fail["firestore/2026-05-02/manifest.json"] = errors.New("NoSuchBucket")
	exporter, err := NewS3Exporter(client, newSnapshot(), S3Config{Bucket: "missing"}, nil)
	require.NoError(t, err)

	f := newTriggerFixture(t, exporter, time.Date(2026, 5, 2, 3, 0, 0, 0, jst))
	out := f.trigger.Run(context.Background())
	assert.Equal(t, StateFailed, out.State)

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Details["error"], "NoSuchBucket")
}

func TestS3Exporter_Wait(t *testing.T) {
	client := newFakeS3()
	exporter, err := NewS3Exporter(client, newSnapshot(), S3Config{Bucket: "b"}, nil)
	require.NoError(t, err)

	_, err = exporter.RequestExport(context.Background(), "2026-05-02")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, exporter.Wait(ctx))

	_, ok := client.get("b/firestore/2026-05-02/appointments.ndjson")
	assert.True(t, ok)
	_, ok = client.get("b/firestore/2026-05-02/messages.ndjson")
	assert.True(t, ok)
}

func TestS3Exporter_WaitNothingRunning(t *testing.T) {
	exporter, err := NewS3Exporter(newFakeS3(), newSnapshot(), S3Config{Bucket: "b"}, nil)
	require.NoError(t, err)
	assert.NoError(t, exporter.Wait(context.Background()))
}
