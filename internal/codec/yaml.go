package codec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"inferwatch/internal/domain"
)

// YAMLCodec exports trusted servers as a YAML document
type YAMLCodec struct{}

// Format returns the codec format identifier
func (c *YAMLCodec) Format() string {
	return "yaml"
}

// Export writes the server list as YAML
func (c *YAMLCodec) Export(servers []domain.TrustedServer, w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	if err := encoder.Encode(servers); err != nil {
		return fmt.Errorf("encode server list: %w", err)
	}
	return nil
}
