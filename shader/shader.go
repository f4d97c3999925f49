// Package shader is the shader cross-compilation service of gfxbridge.
//
// It turns portable WGSL into the SPIR-V bytecode native backends consume and
// produces a [Reflection] of the binding slots the shader uses, so pipeline
// layouts can be validated against real shader resource usage before any
// native pipeline is created.
package shader

import (
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
)

// Shader service errors.
var (
	// ErrCompile is returned when the cross-compiler rejects a shader.
	ErrCompile = errors.New("shader: compilation failed")

	// ErrEmptySource is returned for modules without WGSL or bytecode.
	ErrEmptySource = errors.New("shader: empty source")
)

// EntryPoint is one shader entry point.
type EntryPoint struct {
	Name  string
	Stage gpucore.ShaderStage
	// WorkgroupSize is set for compute entry points.
	WorkgroupSize [3]uint32
}

// BindingUsage is one resource binding a shader declares.
type BindingUsage struct {
	Group   uint32
	Binding uint32
	Name    string
	Type    gpucore.BindingType
	Stages  gpucore.ShaderStage
}

// Reflection describes the interface of a shader module.
type Reflection struct {
	EntryPoints []EntryPoint
	Bindings    []BindingUsage
}

// EntryPoint looks up an entry point by name.
func (r Reflection) EntryPoint(name string) (EntryPoint, bool) {
	for _, ep := range r.EntryPoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EntryPoint{}, false
}

// Stages returns the union of all entry point stages.
func (r Reflection) Stages() gpucore.ShaderStage {
	var s gpucore.ShaderStage
	for _, ep := range r.EntryPoints {
		s |= ep.Stage
	}
	return s
}

// Module is a compiled shader module.
type Module struct {
	Label      string
	SPIRV      []uint32
	Reflection Reflection
}

// Compiler turns WGSL source into a Module.
type Compiler interface {
	Compile(label, wgsl string) (*Module, error)
}

// Precompiled wraps bytecode produced elsewhere together with its reflection.
func Precompiled(label string, spirv []uint32, reflection Reflection) (*Module, error) {
	if len(spirv) == 0 {
		return nil, errors.Wrapf(ErrEmptySource, "module %q", label)
	}
	return &Module{Label: label, SPIRV: spirv, Reflection: reflection}, nil
}
