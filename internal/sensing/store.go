package sensing

import (
	"image"
	"slices"
	"sync"
	"sync/atomic"
)

// Store holds the latest published results. The acquisition worker calls
// Publish and MarkFrame; readers copy out under a short read lock and never
// wait on the worker.
type Store struct {
	mu     sync.RWMutex
	snap   Snapshot
	img    *image.Gray
	allocs int

	frameUpdated atomic.Bool
	frameNew     atomic.Bool
	sequence     atomic.Uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the current snapshot with f and returns its sequence
// number. The lists in f must not be modified afterwards. A nil or empty
// f.Image leaves the stored image as it was; otherwise the pixels are
// copied into the store's buffer, which is reallocated only when the
// dimensions change.
func (s *Store) Publish(f Frame) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.snap.Sequence + 1
	if f.Image != nil && f.Image.Width > 0 && f.Image.Height > 0 {
		s.copyImageLocked(f.Image)
	}
	s.snap = Snapshot{
		Sequence:   seq,
		CapturedAt: f.CapturedAt,
		SessionID:  f.SessionID,
		Faces:      f.Faces,
		Bodies:     f.Bodies,
		Hands:      f.Hands,
	}
	if s.img != nil {
		b := s.img.Bounds()
		s.snap.ImageWidth, s.snap.ImageHeight = b.Dx(), b.Dy()
	}
	s.sequence.Store(seq)
	return seq
}

func (s *Store) copyImageLocked(src *RawImage) {
	w, h := src.Width, src.Height
	if s.img == nil || s.img.Rect.Dx() != w || s.img.Rect.Dy() != h {
		s.img = image.NewGray(image.Rect(0, 0, w, h))
		s.allocs++
	}
	n := copy(s.img.Pix, src.Pixels)
	clear(s.img.Pix[n:])
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.Faces = slices.Clone(s.snap.Faces)
	out.Bodies = slices.Clone(s.snap.Bodies)
	out.Hands = slices.Clone(s.snap.Hands)
	return out
}

// Faces returns a copy of the current face list.
func (s *Store) Faces() []Face {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Faces)
}

// Bodies returns a copy of the current body list.
func (s *Store) Bodies() []Body {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Bodies)
}

// Hands returns a copy of the current hand list.
func (s *Store) Hands() []Hand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.snap.Hands)
}

// Image returns a copy of the latest captured image, or nil if none has
// been captured.
func (s *Store) Image() *image.Gray {
	return s.CopyImage(nil)
}

// CopyImage copies the latest image into dst, reallocating dst only if its
// size differs. It returns nil when no image has been captured.
func (s *Store) CopyImage(dst *image.Gray) *image.Gray {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return nil
	}
	if dst == nil || dst.Rect != s.img.Rect || dst.Stride != s.img.Stride {
		dst = image.NewGray(s.img.Rect)
	}
	copy(dst.Pix, s.img.Pix)
	return dst
}

// ImageAllocations counts how many times the image buffer was allocated.
func (s *Store) ImageAllocations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allocs
}

// Sequence returns the number of the latest published snapshot, 0 before
// the first publish.
func (s *Store) Sequence() uint64 {
	return s.sequence.Load()
}

// MarkFrame records that the worker finished an iteration, successful or
// not.
func (s *Store) MarkFrame() {
	s.frameUpdated.Store(true)
}

// Tick latches the frame edge for one reader cycle. Call it once per cycle
// before IsFrameNew.
func (s *Store) Tick() bool {
	n := s.frameUpdated.Swap(false)
	s.frameNew.Store(n)
	return n
}

// IsFrameNew reports the edge latched by the last Tick. Repeated calls
// within a cycle return the same value.
func (s *Store) IsFrameNew() bool {
	return s.frameNew.Load()
}
