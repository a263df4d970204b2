package text

import (
	"errors"
	"fmt"
	"sync"
)

// ErrScratchExhausted is returned when the scratch region has no room
// for another out-of-line slot.
var ErrScratchExhausted = errors.New("text: scratch region exhausted")

// scratchAlign is the slot granularity. Slots are rounded up so a freed
// slot can be reused by any later allocation of the same class.
const scratchAlign = 16

// ScratchPool carves out-of-line single-step slots from a reserved
// region of an image. Allocation is a bump pointer with a per-class
// free list; slots are small and uniform enough that this never
// fragments in practice.
//
// The pool is safe for concurrent use, but probe install and removal
// are already serialised by the registry lock.
type ScratchPool struct {
	img Image

	mu    sync.Mutex
	next  uint64
	limit uint64
	free  map[int][]uint64
}

// NewScratchPool reserves [base, base+size) of img for scratch slots.
func NewScratchPool(img Image, base, size uint64) (*ScratchPool, error) {
	if base%scratchAlign != 0 {
		return nil, fmt.Errorf("text: scratch base %#x not %d-byte aligned", base, scratchAlign)
	}
	if base >= img.Size() || size > img.Size()-base {
		return nil, fmt.Errorf("text: scratch region [%#x, %#x) outside image of %d bytes",
			base, base+size, img.Size())
	}
	return &ScratchPool{
		img:   img,
		next:  base,
		limit: base + size,
		free:  make(map[int][]uint64),
	}, nil
}

// Image returns the image the pool allocates from.
func (p *ScratchPool) Image() Image { return p.img }

// Alloc returns the address of a scratch slot holding at least n bytes.
func (p *ScratchPool) Alloc(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("text: scratch size %d must be positive", n)
	}
	class := roundUp(n)

	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.free[class]; len(list) > 0 {
		addr := list[len(list)-1]
		p.free[class] = list[:len(list)-1]
		return addr, nil
	}
	if uint64(class) > p.limit-p.next {
		return 0, ErrScratchExhausted
	}
	addr := p.next
	p.next += uint64(class)
	return addr, nil
}

// Free returns a slot previously obtained from Alloc with the same n.
func (p *ScratchPool) Free(addr uint64, n int) {
	class := roundUp(n)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[class] = append(p.free[class], addr)
}

func roundUp(n int) int {
	return (n + scratchAlign - 1) &^ (scratchAlign - 1)
}
