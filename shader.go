package rhi

import (
	"fmt"

	"github.com/gogpu/naga"
)

// CompileWGSL compiles WGSL source to a SPIR-V ShaderBinary for stage.
// The same source may hold both stages; compile it once per stage with the
// stage's entry point.
func CompileWGSL(stage ShaderStage, entryPoint, source string) (ShaderBinary, error) {
	code, err := naga.Compile(source)
	if err != nil {
		return ShaderBinary{}, fmt.Errorf("rhi: compile %s shader %q: %w", stage, entryPoint, err)
	}
	return ShaderBinary{Stage: stage, EntryPoint: entryPoint, Code: code}, nil
}

// MustCompileWGSL is like CompileWGSL but panics on error. It is intended
// for shaders embedded in the program.
func MustCompileWGSL(stage ShaderStage, entryPoint, source string) ShaderBinary {
	b, err := CompileWGSL(stage, entryPoint, source)
	if err != nil {
		panic(err)
	}
	return b
}
