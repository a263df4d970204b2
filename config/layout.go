// Package config describes how a hosted text image is carved up between
// executable code and the out-of-line scratch region.
package config

import (
	"fmt"

	"github.com/DragonOS-Community/go-kprobe/text"
)

// Layout is an immutable image layout. Use NewLayout to construct one;
// fields are unexported so an invalid layout cannot be represented.
type Layout struct {
	imageSize   uint64
	scratchBase uint64
	scratchSize uint64
}

// DefaultLayout returns a 64 KiB image with the top quarter reserved
// for scratch slots.
func DefaultLayout() Layout {
	layout, err := NewLayout(64<<10, 48<<10, 16<<10)
	if err != nil {
		panic(fmt.Sprintf("DefaultLayout: %v", err))
	}
	return layout
}

// NewLayout validates that the scratch region lies inside the image.
func NewLayout(imageSize, scratchBase, scratchSize uint64) (Layout, error) {
	if imageSize == 0 {
		return Layout{}, fmt.Errorf("image size must be non-zero")
	}
	if scratchSize == 0 {
		return Layout{}, fmt.Errorf("scratch size must be non-zero")
	}
	if scratchBase >= imageSize || scratchSize > imageSize-scratchBase {
		return Layout{}, fmt.Errorf("scratch region [%#x, %#x) outside image of %d bytes",
			scratchBase, scratchBase+scratchSize, imageSize)
	}
	return Layout{
		imageSize:   imageSize,
		scratchBase: scratchBase,
		scratchSize: scratchSize,
	}, nil
}

// ImageSize returns the image size in bytes.
func (l Layout) ImageSize() uint64 { return l.imageSize }

// ScratchBase returns the scratch region base address.
func (l Layout) ScratchBase() uint64 { return l.scratchBase }

// ScratchSize returns the scratch region size in bytes.
func (l Layout) ScratchSize() uint64 { return l.scratchSize }

// Materialize allocates a heap-backed image and its scratch pool.
func (l Layout) Materialize() (*text.Buffer, *text.ScratchPool, error) {
	img, err := text.NewBuffer(l.imageSize)
	if err != nil {
		return nil, nil, err
	}
	pool, err := text.NewScratchPool(img, l.scratchBase, l.scratchSize)
	if err != nil {
		return nil, nil, err
	}
	return img, pool, nil
}
