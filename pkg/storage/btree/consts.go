package btree

const (
	Magic   = uint32(0x4B564442) // "KVDB"
	Version = uint16(1)

	PageSize   = 4096
	HeaderSize = 64
	MaxCell    = 127
	MinOrder   = 3

	// Page layout: [pageHeader | cells...]
	// pageHeader: type(1) isRoot(1) numCells(2) reserved(4)
	//             offset(8) leftMost(8) parent(8) prev(8) next(8)
	// cell: key(8) offset(8) size(8)
	pageHeaderSize = 48
	cellSize       = 24

	// Header layout, little-endian:
	// magic(4) version(2) order(2) pageSize(4) heapFormat(1) reserved(3)
	// height(4) reserved(4) nodeCount(8) rootOffset(8) leftmostLeaf(8) checksum(8)
	checksumOffset = 48

	// Null is the sentinel for absent page links.
	Null = int64(-1)

	// LeftMostSlot is what searchInternal returns for keys below every cell.
	LeftMostSlot = -1
)

// Fixed field offsets inside a page.
const (
	offType     = 0
	offIsRoot   = 1
	offNumCells = 2
	offSelf     = 8
	offLeftMost = 16
	offParent   = 24
	offPrev     = 32
	offNext     = 40
)

// PageType distinguishes leaves from internal nodes.
type PageType uint8

const (
	Leaf     PageType = 1
	Internal PageType = 2
)

func (t PageType) String() string {
	switch t {
	case Leaf:
		return "leaf"
	case Internal:
		return "internal"
	default:
		return "invalid"
	}
}

// HeapFormat records which heap layout the paired data file uses.
type HeapFormat uint8

const (
	HeapFlat    HeapFormat = 1
	HeapSlotted HeapFormat = 2
)

// Compile-time check that cells fit a page.
var _ [PageSize - pageHeaderSize - MaxCell*cellSize]struct{}
