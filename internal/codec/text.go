package codec

import (
	"fmt"
	"io"

	"inferwatch/internal/domain"
)

// TextCodec exports trusted servers as plain address:port lines, one per
// server. This is the format probe pipelines consume directly.
type TextCodec struct{}

// Format returns the codec format identifier
func (c *TextCodec) Format() string {
	return "text"
}

// Export writes one address:port line per server
func (c *TextCodec) Export(servers []domain.TrustedServer, w io.Writer) error {
	for _, s := range servers {
		if _, err := fmt.Fprintln(w, s.Addr()); err != nil {
			return fmt.Errorf("write server list: %w", err)
		}
	}
	return nil
}
