package mapdef

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed dungeon.yaml
var dungeonYAML []byte

// BuiltinName is the name of the bundled map.
const BuiltinName = "Dungeon"

// Builtin returns a fresh copy of the bundled room grid map.
func Builtin() *Definition {
	var def Definition
	if err := yaml.Unmarshal(dungeonYAML, &def); err != nil {
		panic(fmt.Sprintf("mapdef: bundled map is invalid: %v", err))
	}
	return &def
}

// Resolve loads the map at path, or the bundled map when path is empty.
func Resolve(path string) (*Definition, error) {
	if path == "" {
		return Builtin(), nil
	}
	return Load(path)
}
