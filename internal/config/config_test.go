package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
instances:
  photos:
    bucket: mem://photos
    store: sqlite:///var/lib/mirror/photos.db
    collections:
      items: files
    fieldPattern: "^(size|updated|metadata)$"
    concurrency:
      audit: 20
  logs:
    bucket: file:///srv/logs
    root: archive
    resyncURL: http://localhost:9000/resync
    maxAttempts: 8
`

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParseFillsDefaults(t *testing.T) {
	f, err := Parse("mirror.yaml", []byte(sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"logs", "photos"}, f.IDs())

	photos := f.Instances["photos"]
	assert.Equal(t, "photos", photos.ID)
	assert.Equal(t, "mem://photos", photos.Bucket)
	assert.Equal(t, "sqlite:///var/lib/mirror/photos.db", photos.Store)
	assert.Equal(t, "mirror", photos.Root)
	assert.Equal(t, ":8080", photos.Listen)
	assert.Equal(t, 5, photos.MaxAttempts)
	assert.Equal(t, "files", photos.Collections.Items)
	assert.Equal(t, 20, photos.Concurrency.Audit)

	logs := f.Instances["logs"]
	assert.Equal(t, "memory://", logs.Store)
	assert.Equal(t, "archive", logs.Root)
	assert.Equal(t, 8, logs.MaxAttempts)
	assert.Equal(t, "http://localhost:9000/resync", logs.ResyncURL)
}

func TestParseRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"bad bucket scheme": "instances:\n  a:\n    bucket: s3://x\n",
		"missing bucket":    "instances:\n  a:\n    store: memory://\n",
		"unknown field":     "instances:\n  a:\n    bucket: mem://a\n    colour: red\n",
		"slash in root":     "instances:\n  a:\n    bucket: mem://a\n    root: a/b\n",
		"attempts range":    "instances:\n  a:\n    bucket: mem://a\n    maxAttempts: 0\n",
		"yaml syntax":       "instances: [\n",
	} {
		_, err := Parse("bad.yaml", []byte(doc))
		assert.Error(t, err, name)
	}
}

func TestInstanceEnvOverrides(t *testing.T) {
	f, err := Parse("mirror.yaml", []byte(sample))
	require.NoError(t, err)

	inst, err := f.Instance("photos", env(map[string]string{
		"MIRROR_STORE":        "postgres://db/mirror",
		"MIRROR_LISTEN":       ":9999",
		"MIRROR_MAX_ATTEMPTS": "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/mirror", inst.Store)
	assert.Equal(t, ":9999", inst.Listen)
	assert.Equal(t, 3, inst.MaxAttempts)
	assert.Equal(t, "mem://photos", inst.Bucket)

	_, err = f.Instance("photos", env(map[string]string{"MIRROR_MAX_ATTEMPTS": "many"}))
	assert.Error(t, err)
}

func TestInstanceUnknown(t *testing.T) {
	f, err := Parse("mirror.yaml", []byte(sample))
	require.NoError(t, err)

	_, err = f.Instance("videos", env(nil))
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestInstanceFromEnvironmentOnly(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)

	_, err = f.Instance("", env(nil))
	assert.ErrorContains(t, err, "no bucket configured")

	inst, err := f.Instance("", env(map[string]string{"MIRROR_BUCKET": "mem://b", "MIRROR_ROOT": "r"}))
	require.NoError(t, err)
	assert.Equal(t, DefaultInstanceID, inst.ID)
	assert.Equal(t, "mem://b", inst.Bucket)
	assert.Equal(t, "r", inst.Root)
	assert.Equal(t, "memory://", inst.Store)
	assert.Equal(t, 5, inst.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Instances, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPathAndFieldConfig(t *testing.T) {
	f, err := Parse("mirror.yaml", []byte(sample))
	require.NoError(t, err)
	photos := f.Instances["photos"]

	pc := photos.PathConfig("photos")
	assert.Equal(t, "mirror", pc.Root)
	assert.Equal(t, "photos", pc.Bucket)
	assert.Equal(t, "files", pc.ItemsCollection)
	assert.Empty(t, pc.PrefixesCollection)

	assert.Equal(t, "^(size|updated|metadata)$", photos.FieldConfig().FieldPattern)
}
