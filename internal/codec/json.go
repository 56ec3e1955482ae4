package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"inferwatch/internal/domain"
)

// JSONCodec exports trusted servers as an indented JSON array
type JSONCodec struct{}

// Format returns the codec format identifier
func (c *JSONCodec) Format() string {
	return "json"
}

// Export writes the server list as JSON
func (c *JSONCodec) Export(servers []domain.TrustedServer, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(servers); err != nil {
		return fmt.Errorf("encode server list: %w", err)
	}
	return nil
}
