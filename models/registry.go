// Package models maps model names and versions to encrypted-inference models
// whose parameters are loaded lazily from disk.
package models

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/halilibrahimkanpak/eeval/errdefs"
)

// Factory builds a model from the content of its parameter file.
type Factory interface {
	Name() string
	Description() string
	New(params []byte) (Model, error)
}

// Definition describes a registered model.
type Definition struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	DefaultVersion string   `json:"default_version"`
	Versions       []string `json:"versions"`

	factory Factory
	dataDir string
}

type instanceKey struct {
	name, version string
}

// RegisterOption customizes a registration.
type RegisterOption func(*Definition)

// WithName overrides the factory name.
func WithName(name string) RegisterOption {
	return func(d *Definition) { d.Name = name }
}

// WithDefaultVersion selects the version served when none is requested.
// It must be one of the registered versions.
func WithDefaultVersion(version string) RegisterOption {
	return func(d *Definition) { d.DefaultVersion = version }
}

// WithDataDir reads this model's parameter files from dir instead of the
// registry default.
func WithDataDir(dir string) RegisterOption {
	return func(d *Definition) { d.dataDir = dir }
}

// Registry holds model definitions and the instances built from them.
// Instances are never evicted.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	order     []string
	instances map[instanceKey]Model
	dataDir   string

	group singleflight.Group
	log   *logrus.Logger
}

// NewRegistry returns an empty registry reading parameters from dataDir by
// default.
func NewRegistry(dataDir string, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		defs:      make(map[string]*Definition),
		instances: make(map[instanceKey]Model),
		dataDir:   dataDir,
		log:       logger,
	}
}

// SetDefaultDataDir changes the directory used by models registered without
// WithDataDir. Instances already loaded are kept.
func (r *Registry) SetDefaultDataDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataDir = dir
}

// Register adds a model. Registering a name again replaces the previous
// definition and drops its cached instances.
func (r *Registry) Register(f Factory, versions []string, opts ...RegisterOption) error {
	const op = "models.Register"

	if f == nil {
		return errdefs.InvalidArgument(op, "a model factory is required")
	}
	if len(versions) == 0 {
		return errdefs.InvalidArgument(op, "model `%s` must have at least one version", f.Name())
	}

	def := &Definition{
		Name:           f.Name(),
		Description:    f.Description(),
		DefaultVersion: versions[0],
		Versions:       slices.Clone(versions),
		factory:        f,
	}
	for _, opt := range opts {
		opt(def)
	}
	def.Name = strings.ToLower(def.Name)
	if def.Name == "" {
		return errdefs.InvalidArgument(op, "model name can't be empty")
	}
	if !slices.Contains(def.Versions, def.DefaultVersion) {
		return errdefs.InvalidArgument(op, "default version `%s` of model `%s` is not one of %v", def.DefaultVersion, def.Name, def.Versions)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; !ok {
		r.order = append(r.order, def.Name)
	}
	for key := range r.instances {
		if key.name == def.Name {
			delete(r.instances, key)
		}
	}
	r.defs[def.Name] = def

	r.log.WithFields(logrus.Fields{"model": def.Name, "versions": def.Versions}).Info("model registered")
	return nil
}

func (r *Registry) definition(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.ToLower(name)]
	if !ok {
		return nil, errdefs.NotFound("models.Get", "Model `%s` can't be found in this server", name)
	}
	return def, nil
}

// Definition returns the public description of a model.
func (r *Registry) Definition(name string) (Definition, error) {
	def, err := r.definition(name)
	if err != nil {
		return Definition{}, err
	}
	return *def, nil
}

// Definitions lists every model in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, *r.defs[name])
	}
	return defs
}

// Get returns the instance of a model version, building it on first use. An
// empty version selects the default one.
func (r *Registry) Get(name, version string) (Model, error) {
	def, err := r.definition(name)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = def.DefaultVersion
	}
	if !slices.Contains(def.Versions, version) {
		return nil, errdefs.NotFound("models.Get", "Model `%s` doesn't have version `%s`", def.Name, version)
	}

	key := instanceKey{name: def.Name, version: version}
	r.mu.RLock()
	m, ok := r.instances[key]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.group.Do(key.name+"\x00"+key.version, func() (interface{}, error) {
		r.mu.RLock()
		m, ok := r.instances[key]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := r.load(def, version)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		// The definition may have been replaced while loading.
		if r.defs[def.Name] == def {
			r.instances[key] = m
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

func (r *Registry) load(def *Definition, version string) (Model, error) {
	const op = "models.Get"

	dir := def.dataDir
	if dir == "" {
		r.mu.RLock()
		dir = r.dataDir
		r.mu.RUnlock()
	}
	path := filepath.Join(dir, ParametersFile(def.Name, version))

	start := time.Now()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Internal(op, fmt.Errorf("error loading parameters of model `%s` version `%s`: %w", def.Name, version, err))
	}
	m, err := def.factory.New(data)
	if err != nil {
		return nil, errdefs.Internal(op, fmt.Errorf("error building model `%s` version `%s`: %w", def.Name, version, err))
	}

	r.log.WithFields(logrus.Fields{
		"model":   def.Name,
		"version": version,
		"path":    path,
		"elapsed": time.Since(start),
	}).Info("model loaded")
	return m, nil
}

// ParametersFile is the file name holding the parameters of a model version.
func ParametersFile(name, version string) string {
	return fmt.Sprintf("%s-%s.json", strings.ToLower(name), version)
}
