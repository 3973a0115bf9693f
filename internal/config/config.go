// Package config loads mirror instance definitions.
//
// Instances are declared in a YAML file, validated and defaulted against an
// embedded CUE schema, and then overridden field by field from MIRROR_*
// environment variables. An instance can also be defined entirely from the
// environment when no file is given.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
)

//go:embed schema.cue
var schemaSource string

// DefaultInstanceID names the instance used when none is selected.
const DefaultInstanceID = "default"

// ErrUnknownInstance is returned when an instance id is not configured.
var ErrUnknownInstance = errors.New("unknown instance")

// Collections renames the mirror's subcollections.
type Collections struct {
	Items              string `json:"items,omitempty" yaml:"items,omitempty"`
	Prefixes           string `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	ItemsTombstones    string `json:"itemsTombstones,omitempty" yaml:"itemsTombstones,omitempty"`
	PrefixesTombstones string `json:"prefixesTombstones,omitempty" yaml:"prefixesTombstones,omitempty"`
}

// Concurrency caps in-flight operations for the bulk commands.
type Concurrency struct {
	Audit    int `json:"audit,omitempty" yaml:"audit,omitempty"`
	Clean    int `json:"clean,omitempty" yaml:"clean,omitempty"`
	Backfill int `json:"backfill,omitempty" yaml:"backfill,omitempty"`
}

// Instance is one mirrored bucket.
type Instance struct {
	ID                 string      `json:"-" yaml:"-"`
	Bucket             string      `json:"bucket" yaml:"bucket"`
	Store              string      `json:"store" yaml:"store"`
	Root               string      `json:"root" yaml:"root"`
	Collections        Collections `json:"collections,omitempty" yaml:"collections,omitempty"`
	FieldPattern       string      `json:"fieldPattern,omitempty" yaml:"fieldPattern,omitempty"`
	CustomFieldPattern string      `json:"customFieldPattern,omitempty" yaml:"customFieldPattern,omitempty"`
	Listen             string      `json:"listen" yaml:"listen"`
	ResyncURL          string      `json:"resyncURL,omitempty" yaml:"resyncURL,omitempty"`
	MaxAttempts        int         `json:"maxAttempts" yaml:"maxAttempts"`
	Concurrency        Concurrency `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// File is a parsed configuration file.
type File struct {
	Instances map[string]Instance `json:"instances" yaml:"instances"`
}

// IDs returns the configured instance ids in order.
func (f *File) IDs() []string {
	ids := make([]string, 0, len(f.Instances))
	for id := range f.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load reads and validates the file at path. An empty path yields an empty
// configuration.
func Load(path string) (*File, error) {
	if path == "" {
		return &File{Instances: map[string]Instance{}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates YAML configuration against the schema and fills defaults.
func Parse(filename string, data []byte) (*File, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}

	// Reject YAML syntax errors with yaml.v3's messages before CUE sees it
	var probe yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	expr, err := cueyaml.Extract(filename, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.BuildFile(expr))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s: %s", filename, cueerrors.Details(err, nil))
	}

	var f File
	if err := value.Decode(&f); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if f.Instances == nil {
		f.Instances = map[string]Instance{}
	}
	for id, inst := range f.Instances {
		inst.ID = id
		f.Instances[id] = inst
	}
	return &f, nil
}

// Instance resolves the instance id with environment overrides applied.
// getenv is usually os.Getenv. An id missing from the file is built from
// the environment alone, which then must at least name a bucket.
func (f *File) Instance(id string, getenv func(string) string) (Instance, error) {
	if id == "" {
		id = DefaultInstanceID
	}
	inst, ok := f.Instances[id]
	if !ok {
		if len(f.Instances) > 0 && getenv("MIRROR_BUCKET") == "" {
			return Instance{}, fmt.Errorf("%w %q (configured: %v)", ErrUnknownInstance, id, f.IDs())
		}
		inst = Instance{Store: "memory://", Root: "mirror", Listen: ":8080", MaxAttempts: 5}
	}
	inst.ID = id

	if err := inst.applyEnv(getenv); err != nil {
		return Instance{}, err
	}
	if err := inst.Validate(); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

func (inst *Instance) applyEnv(getenv func(string) string) error {
	for name, dst := range map[string]*string{
		"MIRROR_BUCKET":               &inst.Bucket,
		"MIRROR_STORE":                &inst.Store,
		"MIRROR_ROOT":                 &inst.Root,
		"MIRROR_LISTEN":               &inst.Listen,
		"MIRROR_RESYNC_URL":           &inst.ResyncURL,
		"MIRROR_FIELD_PATTERN":        &inst.FieldPattern,
		"MIRROR_CUSTOM_FIELD_PATTERN": &inst.CustomFieldPattern,
	} {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	if v := getenv("MIRROR_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MIRROR_MAX_ATTEMPTS: %w", err)
		}
		inst.MaxAttempts = n
	}
	return nil
}

// Validate checks the fields the environment may have changed.
func (inst Instance) Validate() error {
	if inst.Bucket == "" {
		return fmt.Errorf("instance %q: no bucket configured (set bucket or MIRROR_BUCKET)", inst.ID)
	}
	if inst.Store == "" {
		return fmt.Errorf("instance %q: no document store configured", inst.ID)
	}
	if inst.MaxAttempts < 1 {
		return fmt.Errorf("instance %q: maxAttempts must be at least 1", inst.ID)
	}
	return nil
}

// PathConfig returns the path mapper configuration for the bucket named
// bucketName.
func (inst Instance) PathConfig(bucketName string) pathmap.Config {
	return pathmap.Config{
		Root:               inst.Root,
		Bucket:             bucketName,
		ItemsCollection:    inst.Collections.Items,
		PrefixesCollection: inst.Collections.Prefixes,
		ItemsTombstones:    inst.Collections.ItemsTombstones,
		PrefixesTombstones: inst.Collections.PrefixesTombstones,
	}
}

// FieldConfig returns the metadata filters.
func (inst Instance) FieldConfig() events.Config {
	return events.Config{FieldPattern: inst.FieldPattern, CustomFieldPattern: inst.CustomFieldPattern}
}
