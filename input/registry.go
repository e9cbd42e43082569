package input

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/kinfu/logging"
	"go.viam.com/kinfu/utils"
)

// A ConfigValidator is a backend config that can check itself. path names the config location
// for error messages.
type ConfigValidator interface {
	Validate(path string) error
}

// A Create builds a source from its decoded config.
type Create[ConfigT ConfigValidator] func(ctx context.Context, conf ConfigT, logger logging.Logger) (Source, error)

// A Registration stores construction info for a source model.
type Registration[ConfigT ConfigValidator] struct {
	Constructor Create[ConfigT]
}

// SourceConfig selects a backend by model and carries its raw attributes.
type SourceConfig struct {
	Model      string                 `json:"model"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Validate checks that a model is named and registered.
func (sc SourceConfig) Validate(path string) error {
	if sc.Model == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "model")
	}
	if _, ok := lookup(sc.Model); !ok {
		return utils.NewConfigValidationError(path,
			errors.Errorf("unknown source model %q (registered: %v)", sc.Model, RegisteredModels()))
	}
	return nil
}

type constructor func(ctx context.Context, attributes map[string]interface{}, logger logging.Logger) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]constructor{}
)

// RegisterSource registers a source model. It panics if the model is already registered or the
// registration has no constructor.
func RegisterSource[ConfigT ConfigValidator](model string, reg Registration[ConfigT]) {
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register source %q with nil constructor", model))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, old := registry[model]; old {
		panic(errors.Errorf("trying to register two sources with same model %q", model))
	}
	registry[model] = func(ctx context.Context, attributes map[string]interface{}, logger logging.Logger) (Source, error) {
		conf, err := DecodeAttributes[ConfigT](attributes)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %q attributes", model)
		}
		if err := conf.Validate(model); err != nil {
			return nil, err
		}
		return reg.Constructor(ctx, conf, logger)
	}
}

func lookup(model string) (constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[model]
	return c, ok
}

// RegisteredModels returns the sorted names of all registered sources.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := lo.Keys(registry)
	sort.Strings(models)
	return models
}

// NewSource builds the source named by conf.
func NewSource(ctx context.Context, conf SourceConfig, logger logging.Logger) (Source, error) {
	c, ok := lookup(conf.Model)
	if !ok {
		return nil, errors.Errorf("unknown source model %q", conf.Model)
	}
	return c(ctx, conf.Attributes, logger.Sublogger(conf.Model))
}

// DecodeAttributes converts raw attributes into a backend's native config using its json tags.
// Unknown attributes are an error so that typos in a config file are not silently dropped.
func DecodeAttributes[ConfigT any](attributes map[string]interface{}) (ConfigT, error) {
	var out ConfigT
	var result interface{}

	toT := reflect.TypeOf(out)
	if toT != nil && toT.Kind() == reflect.Ptr {
		// needs to be allocated then
		var ok bool
		out, ok = reflect.New(toT.Elem()).Interface().(ConfigT)
		if !ok {
			return out, errors.Errorf("failed to allocate config type %T", out)
		}
		result = out
	} else {
		result = &out
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           result,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return out, err
	}
	return out, nil
}
