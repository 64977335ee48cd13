package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/vm"
)

// YAMLFormatter formats resources as a YAML stream, one document per
// resource separated by ---.
type YAMLFormatter struct{}

func (f *YAMLFormatter) FormatInstances(instances []vm.InstanceInfo) (string, error) {
	return yamlStream(instances)
}

func (f *YAMLFormatter) FormatImages(images []Image) (string, error) {
	return yamlStream(images)
}

func (f *YAMLFormatter) FormatPools(pools []storage.PoolInfo) (string, error) {
	return yamlStream(pools)
}

func yamlStream[T any](items []T) (string, error) {
	var buf bytes.Buffer
	for i, item := range items {
		data, err := yaml.Marshal(item)
		if err != nil {
			return "", fmt.Errorf("failed to marshal item %d to YAML: %w", i, err)
		}
		// Add document separator between items (but not before the first one)
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
