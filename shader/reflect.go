package shader

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/gpucore"
)

// ErrReflection is returned when a resource declaration cannot be classified.
var ErrReflection = errors.New("shader: unsupported resource declaration")

var (
	commentRe   = regexp.MustCompile(`(?s)//[^\n]*|/\*.*?\*/`)
	entryRe     = regexp.MustCompile(`((?:@\w+\s*(?:\([^)]*\))?\s*)+)fn\s+(\w+)`)
	workgroupRe = regexp.MustCompile(`@workgroup_size\s*\(([^)]*)\)`)
	bindingRe   = regexp.MustCompile(`((?:@(?:group|binding)\s*\(\s*\d+\s*\)\s*){2})var\s*(?:<([^>]*)>)?\s*(\w+)\s*:\s*([^;]+);`)
	groupRe     = regexp.MustCompile(`@group\s*\(\s*(\d+)\s*\)`)
	bindRe      = regexp.MustCompile(`@binding\s*\(\s*(\d+)\s*\)`)
)

// Reflect scans WGSL source for entry points and resource bindings.
//
// Binding stages are attributed to every entry point of the module, which is
// exact for single-entry modules and conservative otherwise.
func Reflect(wgsl string) (Reflection, error) {
	src := commentRe.ReplaceAllString(wgsl, "")
	var refl Reflection

	for _, m := range entryRe.FindAllStringSubmatch(src, -1) {
		attrs, name := m[1], m[2]
		ep := EntryPoint{Name: name}
		switch {
		case strings.Contains(attrs, "@compute"):
			ep.Stage = gpucore.ShaderCompute
			ep.WorkgroupSize = [3]uint32{1, 1, 1}
			if wg := workgroupRe.FindStringSubmatch(attrs); wg != nil {
				for i, part := range strings.Split(wg[1], ",") {
					if i >= 3 {
						break
					}
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					n, err := strconv.ParseUint(part, 10, 32)
					if err != nil {
						return Reflection{}, errors.Wrapf(ErrReflection, "entry point %s: workgroup size %q", name, part)
					}
					ep.WorkgroupSize[i] = uint32(n)
				}
			}
		case strings.Contains(attrs, "@vertex"):
			ep.Stage = gpucore.ShaderVertex
		case strings.Contains(attrs, "@fragment"):
			ep.Stage = gpucore.ShaderFragment
		default:
			continue
		}
		refl.EntryPoints = append(refl.EntryPoints, ep)
	}

	stages := refl.Stages()
	for _, m := range bindingRe.FindAllStringSubmatch(src, -1) {
		attrs, space, name, typ := m[1], m[2], m[3], strings.TrimSpace(m[4])
		group := groupRe.FindStringSubmatch(attrs)
		binding := bindRe.FindStringSubmatch(attrs)
		if group == nil || binding == nil {
			continue
		}
		g, _ := strconv.ParseUint(group[1], 10, 32)
		b, _ := strconv.ParseUint(binding[1], 10, 32)

		bt, err := classify(space, typ)
		if err != nil {
			return Reflection{}, errors.WithMessagef(err, "binding %s (@group(%d) @binding(%d))", name, g, b)
		}
		refl.Bindings = append(refl.Bindings, BindingUsage{
			Group:   uint32(g),
			Binding: uint32(b),
			Name:    name,
			Type:    bt,
			Stages:  stages,
		})
	}
	sort.Slice(refl.Bindings, func(i, j int) bool {
		bi, bj := refl.Bindings[i], refl.Bindings[j]
		if bi.Group != bj.Group {
			return bi.Group < bj.Group
		}
		return bi.Binding < bj.Binding
	})
	return refl, nil
}

func classify(space, typ string) (gpucore.BindingType, error) {
	parts := strings.Split(space, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch parts[0] {
	case "uniform":
		return gpucore.BindingUniformBuffer, nil
	case "storage":
		if len(parts) > 1 && (parts[1] == "read_write" || parts[1] == "write") {
			return gpucore.BindingStorageBuffer, nil
		}
		return gpucore.BindingReadOnlyStorageBuffer, nil
	case "":
	default:
		return 0, errors.Wrapf(ErrReflection, "address space %q", space)
	}
	switch {
	case strings.HasPrefix(typ, "sampler"):
		return gpucore.BindingSampler, nil
	case strings.HasPrefix(typ, "texture_storage_"):
		return gpucore.BindingStorageImage, nil
	case strings.HasPrefix(typ, "texture_"):
		return gpucore.BindingSampledImage, nil
	default:
		return 0, errors.Wrapf(ErrReflection, "type %q", typ)
	}
}
