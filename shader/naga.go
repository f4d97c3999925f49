package shader

import (
	"crypto/sha256"
	"encoding/binary"
	"log/slog"

	"github.com/gogpu/naga"
	"github.com/pkg/errors"

	"github.com/gogpu/gfxbridge/internal/cache"
)

// DefaultCacheSize is the number of compiled modules NagaCompiler keeps.
const DefaultCacheSize = 64

// NagaCompiler compiles WGSL to SPIR-V with gogpu/naga and caches the result by
// source digest.
type NagaCompiler struct {
	modules *cache.Cache[[sha256.Size]byte, *Module]
	logger  *slog.Logger
}

// NewNagaCompiler creates a compiler keeping up to cacheSize modules.
// A cacheSize of zero selects DefaultCacheSize.
func NewNagaCompiler(cacheSize int, logger *slog.Logger) *NagaCompiler {
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NagaCompiler{
		modules: cache.New[[sha256.Size]byte, *Module](cacheSize),
		logger:  logger,
	}
}

// Compile implements Compiler.
func (c *NagaCompiler) Compile(label, wgsl string) (*Module, error) {
	if wgsl == "" {
		return nil, errors.Wrapf(ErrEmptySource, "module %q", label)
	}
	key := sha256.Sum256([]byte(wgsl))
	m, err := c.modules.GetOrCreate(key, func() (*Module, error) {
		refl, err := Reflect(wgsl)
		if err != nil {
			return nil, errors.WithMessagef(err, "module %q", label)
		}
		spirvBytes, err := naga.Compile(wgsl)
		if err != nil {
			return nil, errors.Wrapf(ErrCompile, "module %q: %v", label, err)
		}
		if len(spirvBytes)%4 != 0 {
			return nil, errors.Wrapf(ErrCompile, "module %q: SPIR-V size %d is not word aligned", label, len(spirvBytes))
		}
		c.logger.Debug("shader: compiled",
			"label", label, "words", len(spirvBytes)/4,
			"entryPoints", len(refl.EntryPoints), "bindings", len(refl.Bindings))
		return &Module{Label: label, SPIRV: spirvWords(spirvBytes), Reflection: refl}, nil
	})
	if err != nil {
		return nil, err
	}
	if m.Label == label {
		return m, nil
	}
	// Same source under another label shares bytecode and reflection.
	return &Module{Label: label, SPIRV: m.SPIRV, Reflection: m.Reflection}, nil
}

// CacheStats reports how often compilation was skipped.
func (c *NagaCompiler) CacheStats() cache.Stats { return c.modules.Stats() }

// spirvWords converts little-endian SPIR-V bytes into 32-bit words.
func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}
