package ids

import (
	"errors"
	"fmt"
)

// Bit split of a packed CoverID. The surface id occupies the high bits.
const (
	LocationBits = 14
	SurfaceBits  = 32 - LocationBits

	// MaxSurfaceID is the largest surface id that can be packed (262143).
	MaxSurfaceID = 1<<SurfaceBits - 1
	// MaxLocations is the number of locations addressable on one surface (16384).
	MaxLocations = 1 << LocationBits

	locationMask = MaxLocations - 1
)

var (
	ErrSurfaceOutOfRange  = errors.New("surface id out of range")
	ErrLocationOutOfRange = errors.New("location index out of range")
)

// SurfaceID addresses a cover surface. Zero is the invalid id.
type SurfaceID uint32

func (s SurfaceID) Valid() bool { return s != 0 && s <= MaxSurfaceID }

// CoverID is a packed (surface, location) pair. Zero is the invalid id.
type CoverID uint32

// NewCoverID packs a surface id and location index, rejecting values that
// would not round-trip.
func NewCoverID(surface SurfaceID, location int) (CoverID, error) {
	if !surface.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrSurfaceOutOfRange, surface)
	}
	if location < 0 || location >= MaxLocations {
		return 0, fmt.Errorf("%w: %d", ErrLocationOutOfRange, location)
	}
	return Compose(surface, location), nil
}

// Compose packs without range checks; callers must already hold valid values.
func Compose(surface SurfaceID, location int) CoverID {
	return CoverID(uint32(surface)<<LocationBits | uint32(location)&locationMask)
}

func Decompose(id CoverID) (SurfaceID, int) {
	return id.Surface(), id.Location()
}

func (id CoverID) Surface() SurfaceID { return SurfaceID(uint32(id) >> LocationBits) }
func (id CoverID) Location() int      { return int(uint32(id) & locationMask) }
func (id CoverID) Valid() bool        { return id.Surface() != 0 }

func (id CoverID) String() string {
	if !id.Valid() {
		return "cover(invalid)"
	}
	return fmt.Sprintf("cover(%d:%d)", id.Surface(), id.Location())
}

// EntityID identifies a simulated agent or world entity. Zero means none.
type EntityID uint32
