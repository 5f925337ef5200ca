package suballoc

import cerrors "github.com/cockroachdb/errors"

// Number is the set of integer types accepted by CheckPow2 and friends, matching the
// teacher's memutils.Number constraint.
type Number interface {
	~int | ~uint | ~int64 | ~uint64
}

// CheckPow2 returns PowerOfTwoError (wrapped with name/value context) if number is not a
// power of two. Zero is not a power of two.
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment, which must be a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the nearest multiple of alignment, which must be a power of two.
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// BlocksOnSamePage returns true if the byte ranges [aOffset, aOffset+aSize) and
// [bOffset, bOffset+bSize) fall on the same page-sized granularity boundary, i.e. the last
// byte of the first range and the first byte of the second range are within the same
// pageSize-aligned page. pageSize must be a power of two.
func BlocksOnSamePage(aOffset, aSize, bOffset int, pageSize uint) bool {
	if aSize <= 0 {
		panic("BlocksOnSamePage requires a positive size for the first range")
	}
	aEndPage := AlignDown(aOffset+aSize-1, pageSize)
	bStartPage := AlignDown(bOffset, pageSize)
	return aEndPage == bStartPage
}

// suballocationConflict reports whether two buffer/image suballocation type tags placed on
// the same buffer-image-granularity page would corrupt one another according to the
// hardware page-sharing rules. Free never conflicts with anything. Unknown always conflicts.
//
// firstType and secondType use the numeric encoding of metadata.SuballocationType; this
// helper lives here (rather than in the metadata package) so that both BlockList-level
// granularity bookkeeping and the metadata engine's own backward/forward scans can share one
// implementation.
func SuballocationTypesConflict(firstType, secondType uint32) bool {
	const (
		typeFree uint32 = iota
		typeUnknown
		typeBuffer
		typeImageUnknown
		typeImageLinear
		typeImageOptimal
	)

	if firstType > secondType {
		firstType, secondType = secondType, firstType
	}

	switch firstType {
	case typeFree:
		return false
	case typeUnknown:
		return true
	case typeBuffer:
		return secondType == typeImageUnknown || secondType == typeImageOptimal
	case typeImageUnknown:
		return secondType == typeImageUnknown || secondType == typeImageLinear || secondType == typeImageOptimal
	case typeImageLinear:
		return secondType == typeImageOptimal
	case typeImageOptimal:
		return false
	}
	return false
}
