package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/vm"
)

// JSONFormatter formats resources as JSON arrays.
type JSONFormatter struct{}

func (f *JSONFormatter) FormatInstances(instances []vm.InstanceInfo) (string, error) {
	return marshalJSON("instances", instances, len(instances))
}

func (f *JSONFormatter) FormatImages(images []Image) (string, error) {
	return marshalJSON("images", images, len(images))
}

func (f *JSONFormatter) FormatPools(pools []storage.PoolInfo) (string, error) {
	return marshalJSON("pools", pools, len(pools))
}

func marshalJSON(what string, v any, n int) (string, error) {
	if n == 0 {
		return "[]\n", nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to JSON: %w", what, err)
	}
	return string(data) + "\n", nil
}
