// Command gfxprobe opens a native device through the translation layer,
// prints what was chosen for it and runs a copy round trip.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gogpu/gfxbridge"
	"github.com/gogpu/gfxbridge/backend"
	_ "github.com/gogpu/gfxbridge/backend/deferred"
	_ "github.com/gogpu/gfxbridge/backend/explicit"
	_ "github.com/gogpu/gfxbridge/backend/native"
	"github.com/gogpu/gfxbridge/gpucore"
)

func main() {
	var (
		name    = flag.String("backend", backend.NameExplicit, "backend to open: "+strings.Join(backend.Available(), ", "))
		size    = flag.Uint64("size", 64<<10, "round trip size in bytes")
		runs    = flag.Int("runs", 3, "round trip submissions")
		dumpMap = flag.Bool("map", false, "print the memory map as JSON")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		gfxbridge.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	dev, err := gfxbridge.Open(*name)
	if err != nil {
		log.Fatalf("open %s: %v", *name, err)
	}
	defer func() {
		if err := dev.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	c := dev.Capabilities()
	fmt.Printf("adapter:   %s (%s)\n", c.Adapter, c.Driver)
	fmt.Printf("model:     %s\n", c.Model)
	fmt.Printf("recording: %s\n", c.Recording)
	fmt.Printf("sync:      %s\n", c.Sync)
	fmt.Printf("binding:   %s\n", c.Binding)
	fmt.Printf("features:  %s\n", strings.Join(c.Features.Names(), ", "))

	start := time.Now()
	if err := roundTrip(dev, *size, *runs, *name != backend.NameHALNoop); err != nil {
		log.Fatalf("round trip: %v", err)
	}
	fmt.Printf("round trip: %d x %d bytes in %v\n", *runs, *size, time.Since(start).Round(time.Microsecond))
	fmt.Printf("memory:    %s\n", dev.MemoryStats())

	if *dumpMap {
		m, err := dev.DumpMemoryMap()
		if err != nil {
			log.Fatalf("memory map: %v", err)
		}
		fmt.Printf("%s\n", m)
	}
}

// roundTrip uploads a pattern and copies it through a device-local buffer into a
// readback buffer. With verify it compares the readback to the upload; the HAL
// noop device runs no work.
func roundTrip(dev *gfxbridge.Device, size uint64, runs int, verify bool) error {
	upload, err := buffer(dev, "upload", size, gpucore.UsageCopySrc, gpucore.MemoryUpload)
	if err != nil {
		return err
	}
	local, err := buffer(dev, "local", size, gpucore.UsageCopySrc|gpucore.UsageCopyDst, gpucore.MemoryDeviceLocal)
	if err != nil {
		return err
	}
	readback, err := buffer(dev, "readback", size, gpucore.UsageCopyDst, gpucore.MemoryUpload)
	if err != nil {
		return err
	}

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i * 7)
	}
	if err := dev.WriteBuffer(upload, 0, want); err != nil {
		return err
	}

	cb, err := dev.CreateCommandBuffer(gfxbridge.CommandBufferDesc{Label: "round-trip"})
	if err != nil {
		return err
	}
	defer cb.Free()
	if err := cb.Begin(); err != nil {
		return err
	}
	cb.CopyBuffer(upload, local, gpucore.BufferCopy{Size: size})
	cb.CopyBuffer(local, readback, gpucore.BufferCopy{Size: size})
	if err := cb.End(); err != nil {
		return err
	}

	f, err := dev.CreateFence("round-trip")
	if err != nil {
		return err
	}
	defer dev.DestroyPrimitive(f)
	for range runs {
		if err := dev.Queue().Submit(gfxbridge.SubmitInfo{CommandBuffers: []*gfxbridge.CommandBuffer{cb}, Fence: f}); err != nil {
			return err
		}
		if err := dev.BlockUntil(f, 10*time.Second); err != nil {
			return err
		}
		if err := dev.ResetFence(f); err != nil {
			return err
		}
	}

	got := make([]byte, size)
	if err := dev.ReadBuffer(readback, 0, got); err != nil {
		return err
	}
	if verify && !bytes.Equal(got, want) {
		return fmt.Errorf("readback differs from upload")
	}
	return nil
}

func buffer(dev *gfxbridge.Device, label string, size uint64, usage gpucore.Usage, class gpucore.MemoryClass) (gfxbridge.Buffer, error) {
	b, err := dev.CreateBuffer(gfxbridge.BufferDesc{Label: label, Size: size, Usage: usage, Class: class})
	if err != nil {
		return b, err
	}
	return b, dev.BindBufferMemory(b, nil)
}
