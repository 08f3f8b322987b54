package song

import (
	"bytes"
	_ "embed"
)

//go:embed demo.yaml
var demoYAML []byte

// Demo returns the built-in ten column arrangement with a four marker tempo map.
func Demo() (*Song, error) {
	return Load(bytes.NewReader(demoYAML))
}
