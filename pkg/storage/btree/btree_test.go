package btree

import (
	"math/bits"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huynhanx03/go-kvdb/pkg/common/apperr"
)

var errInjected = errors.New("injected write failure")

// faultyFile fails the failAt-th WriteAt call (1-based, counted from the
// last arm) and, optionally, every Truncate.
type faultyFile struct {
	*os.File
	writes       int
	failAt       int
	failTruncate bool
}

func (f *faultyFile) arm(n int) {
	f.writes = 0
	f.failAt = n
}

func (f *faultyFile) WriteAt(b []byte, off int64) (int, error) {
	f.writes++
	if f.failAt > 0 && f.writes == f.failAt {
		return 0, errInjected
	}
	return f.File.WriteAt(b, off)
}

func (f *faultyFile) Truncate(size int64) error {
	if f.failTruncate {
		return errInjected
	}
	return f.File.Truncate(size)
}

func openFile(t *testing.T) *faultyFile {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "test.idx"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return &faultyFile{File: f}
}

func newTestTree(t *testing.T, order int) (*Tree, *Header, *faultyFile) {
	t.Helper()
	f := openFile(t)
	tree, h, err := Create(f, order, HeapFlat)
	require.NoError(t, err)
	return tree, h, f
}

func leafCell(k uint64) Cell {
	return Cell{Key: k, Offset: int64(k) * 10, Size: 8}
}

func insertAll(t *testing.T, tree *Tree, h *Header, keys []uint64) *Header {
	t.Helper()
	var err error
	for _, k := range keys {
		h, err = tree.Insert(h, leafCell(k))
		require.NoError(t, err, "insert %d", k)
	}
	return h
}

func collect(t *testing.T, tree *Tree, h *Header) []uint64 {
	t.Helper()
	var keys []uint64
	require.NoError(t, tree.Ascend(h, func(c Cell) bool {
		keys = append(keys, c.Key)
		return true
	}))
	return keys
}

func seq(from, to uint64) []uint64 {
	keys := make([]uint64, 0, to-from+1)
	for k := from; k <= to; k++ {
		keys = append(keys, k)
	}
	return keys
}

func readFile(t *testing.T, f *faultyFile) []byte {
	t.Helper()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return data
}

// =============================================================================
// Create / Open Tests
// =============================================================================

func TestCreate_Bootstrap(t *testing.T) {
	tree, h, f := newTestTree(t, MaxCell)

	assert.Equal(t, 1, h.Height)
	assert.Equal(t, uint64(1), h.NodeCount)
	assert.Equal(t, Null, h.RootOffset)
	assert.Equal(t, int64(HeaderSize), h.LeftmostLeaf)

	leaf, err := tree.pager.readPage(h.LeftmostLeaf)
	require.NoError(t, err)
	assert.True(t, leaf.IsRoot)
	assert.Equal(t, Leaf, leaf.Type)
	assert.Equal(t, 0, leaf.NumCells)

	size, err := tree.pager.size()
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize+PageSize), size)

	_, reopened, err := Open(f)
	require.NoError(t, err)
	assert.Equal(t, *h, *reopened)
}

func TestCreate_RejectsOrder(t *testing.T) {
	for _, order := range []int{0, 2, MaxCell + 1} {
		_, _, err := Create(openFile(t), order, HeapFlat)
		assert.True(t, apperr.Is(err, apperr.CodeInvalid), "order %d", order)
	}
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	f := openFile(t)
	_, err := f.File.WriteAt(make([]byte, HeaderSize+PageSize), 0)
	require.NoError(t, err)

	_, _, err = Open(f)
	assert.True(t, apperr.Is(err, apperr.CodeCorrupted))
}

func TestOpen_ShortHeaderIsCorrupted(t *testing.T) {
	f := openFile(t)
	_, err := f.File.WriteAt(make([]byte, 10), 0)
	require.NoError(t, err)

	_, _, err = Open(f)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCorrupted, apperr.CodeOf(err))
}

func TestOpen_RejectsChecksumMismatch(t *testing.T) {
	_, _, f := newTestTree(t, 8)

	// Flip the height without refreshing the checksum.
	_, err := f.File.WriteAt([]byte{9}, 16)
	require.NoError(t, err)

	_, _, err = Open(f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

// =============================================================================
// Insert / Split Tests
// =============================================================================

func TestInsert_InPlaceKeepsHeader(t *testing.T) {
	tree, h, _ := newTestTree(t, 8)

	h2, err := tree.Insert(h, leafCell(5))
	require.NoError(t, err)
	assert.Same(t, h, h2)

	leaf, slot, err := tree.Search(h2, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), leaf.Cells[slot].Key)
}

func TestInsert_Duplicate(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)
	h = insertAll(t, tree, h, seq(1, 10))

	_, err := tree.Insert(h, leafCell(7))
	assert.True(t, errors.Is(err, apperr.ErrExists))
}

func TestInsert_SplitPreservesContents(t *testing.T) {
	tree, h, _ := newTestTree(t, MaxCell)
	h = insertAll(t, tree, h, seq(1, MaxCell+1))

	assert.Equal(t, seq(1, MaxCell+1), collect(t, tree, h))

	first, err := tree.pager.readPage(h.LeftmostLeaf)
	require.NoError(t, err)
	require.NotEqual(t, Null, first.Next)
	second, err := tree.pager.readPage(first.Next)
	require.NoError(t, err)

	assert.Equal(t, Null, second.Next)
	assert.Equal(t, first.Offset, second.Prev)
	assert.Equal(t, MaxCell/2, first.NumCells)
	assert.Equal(t, MaxCell+1, first.NumCells+second.NumCells)
	require.NoError(t, tree.Verify(h))
}

func TestInsert_RootPromotion(t *testing.T) {
	tree, h, _ := newTestTree(t, MaxCell)
	require.Equal(t, 1, h.Height)
	require.Equal(t, Null, h.RootOffset)

	h = insertAll(t, tree, h, seq(1, MaxCell+1))

	assert.Equal(t, 2, h.Height)
	assert.Equal(t, uint64(3), h.NodeCount)
	require.NotEqual(t, Null, h.RootOffset)

	root, err := tree.pager.readPage(h.RootOffset)
	require.NoError(t, err)
	assert.True(t, root.IsRoot)
	assert.Equal(t, Internal, root.Type)
	assert.Equal(t, h.LeftmostLeaf, root.LeftMost)
	require.Equal(t, 1, root.NumCells)

	right, err := tree.pager.readPage(root.Cells[0].Offset)
	require.NoError(t, err)
	assert.Equal(t, right.Cells[0].Key, root.Cells[0].Key)
	assert.False(t, right.IsRoot)

	demoted, err := tree.pager.readPage(h.LeftmostLeaf)
	require.NoError(t, err)
	assert.False(t, demoted.IsRoot)
	assert.Equal(t, h.RootOffset, demoted.Parent)

	// The split pages were appended after the bootstrap leaf.
	assert.Greater(t, h.RootOffset, right.Offset)
	assert.Greater(t, right.Offset, h.LeftmostLeaf)

	reread, err := tree.Header()
	require.NoError(t, err)
	assert.Equal(t, *h, *reread)
}

func TestInsert_DeepTree(t *testing.T) {
	tests := []struct {
		name  string
		order int
		keys  []uint64
	}{
		{"ascending_order3", 3, seq(1, 500)},
		{"descending_order4", 4, reverse(seq(1, 500))},
		{"random_order5", 5, shuffled(7, 1500)},
		{"random_max_order", MaxCell, shuffled(11, 5000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, h, _ := newTestTree(t, tt.order)
			h = insertAll(t, tree, h, tt.keys)

			require.NoError(t, tree.Verify(h))
			want := append([]uint64(nil), tt.keys...)
			sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
			assert.Equal(t, want, collect(t, tree, h))
			if tt.order < 10 {
				assert.Greater(t, h.Height, 2)
			}

			stats, err := tree.Stats(h)
			require.NoError(t, err)
			assert.Equal(t, len(tt.keys), stats.NumLeafKeys)
			assert.Equal(t, int(h.NodeCount), stats.NumPages)
		})
	}
}

func TestInsert_MinOrderHeightStaysLogarithmic(t *testing.T) {
	const n = 4000
	tests := []struct {
		name string
		keys []uint64
	}{
		{"ascending", seq(1, n)},
		{"descending", reverse(seq(1, n))},
		{"random", shuffled(19, n)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, h, _ := newTestTree(t, MinOrder)
			h = insertAll(t, tree, h, tt.keys)
			require.NoError(t, tree.Verify(h))

			// Every internal page has at least two children.
			assert.LessOrEqual(t, h.Height, bits.Len(uint(n))+1)

			stats, err := tree.Stats(h)
			require.NoError(t, err)
			assert.Equal(t, n, stats.NumLeafKeys)
			assert.Less(t, stats.NumPages-stats.NumLeaves, stats.NumLeaves)
		})
	}
}

func TestInsert_RandomizedInvariants(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)
	rng := rand.New(rand.NewSource(42))
	present := make(map[uint64]bool)
	var err error

	for round := 0; round < 20; round++ {
		for i := 0; i < 100; i++ {
			k := uint64(rng.Intn(5000))
			h, err = tree.Insert(h, leafCell(k))
			if present[k] {
				require.True(t, apperr.Is(err, apperr.CodeExists))
				continue
			}
			require.NoError(t, err)
			present[k] = true
		}
		for i := 0; i < 30; i++ {
			k := uint64(rng.Intn(5000))
			_, err := tree.Delete(h, k)
			if present[k] {
				require.NoError(t, err)
				delete(present, k)
			} else {
				require.True(t, apperr.Is(err, apperr.CodeNotFound))
			}
		}
		require.NoError(t, tree.Verify(h), "round %d", round)
	}

	for k := uint64(0); k < 5000; k++ {
		c, err := tree.Get(h, k)
		if present[k] {
			require.NoError(t, err)
			assert.Equal(t, leafCell(k), c)
		} else {
			assert.True(t, errors.Is(err, apperr.ErrNotFound), "key %d", k)
		}
	}
	assert.Len(t, collect(t, tree, h), len(present))
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestSplitRecovery_NewPageWrittenParentNot(t *testing.T) {
	tree, h, f := newTestTree(t, 4)
	h = insertAll(t, tree, h, []uint64{10, 20, 30, 40})

	before := readFile(t, f)
	leafBefore := before[h.LeftmostLeaf : h.LeftmostLeaf+PageSize]

	// Write 1 is the new right leaf, write 2 the new root.
	f.arm(2)
	h2, err := tree.Insert(h, leafCell(50))
	require.ErrorIs(t, err, errInjected)
	assert.Same(t, h, h2)
	f.arm(0)

	after := readFile(t, f)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, leafBefore, after[h.LeftmostLeaf:h.LeftmostLeaf+PageSize])
	assert.Equal(t, before, after)

	h, err = tree.Insert(h, leafCell(50))
	require.NoError(t, err)
	assert.Equal(t, 2, h.Height)
	assert.Equal(t, []uint64{10, 20, 30, 40, 50}, collect(t, tree, h))
	require.NoError(t, tree.Verify(h))
}

func TestSplitRecovery_EveryWriteOfDeepChain(t *testing.T) {
	tree, h, f := newTestTree(t, 3)
	h = insertAll(t, tree, h, seq(1, 80))
	require.GreaterOrEqual(t, h.Height, 3)

	// Ascending inserts leave the rightmost leaf full, so the next key splits
	// it and pushes a separator into its parent.
	var key uint64 = 81
	before := readFile(t, f)

	for n := 1; ; n++ {
		f.arm(n)
		h2, err := tree.Insert(h, leafCell(key))
		f.arm(0)
		if err == nil {
			require.Greater(t, n, 1)
			h = h2
			break
		}
		require.ErrorIs(t, err, errInjected, "write %d", n)
		assert.Equal(t, before, readFile(t, f), "file differs after failing write %d", n)
		require.NoError(t, tree.Verify(h))
	}

	require.NoError(t, tree.Verify(h))
	assert.Equal(t, seq(1, 81), collect(t, tree, h))
}

func TestSplitRecovery_EveryWriteOfMidTreeSplit(t *testing.T) {
	tree, h, f := newTestTree(t, MinOrder)
	var keys []uint64
	for k := uint64(10); k <= 800; k += 10 {
		keys = append(keys, k)
	}
	h = insertAll(t, tree, h, keys)

	leafSplits, internalSplits := 0, 0
	for key := uint64(401); key <= 407; key++ {
		leaf, _, err := tree.Search(h, key)
		require.NoError(t, err)
		require.NotEqual(t, Null, leaf.Next, "key %d must land mid-tree", key)

		before := readFile(t, f)
		nodes := h.NodeCount
		for n := 1; ; n++ {
			f.arm(n)
			h2, err := tree.Insert(h, leafCell(key))
			f.arm(0)
			if err == nil {
				h = h2
				break
			}
			require.ErrorIs(t, err, errInjected, "key %d write %d", key, n)
			assert.Equal(t, before, readFile(t, f), "key %d: file differs after failing write %d", key, n)
			require.NoError(t, tree.Verify(h), "key %d write %d", key, n)
		}
		switch grown := h.NodeCount - nodes; {
		case grown > 1:
			internalSplits++
			fallthrough
		case grown == 1:
			leafSplits++
		}
	}

	assert.GreaterOrEqual(t, leafSplits, 4)
	assert.GreaterOrEqual(t, internalSplits, 1)
	require.NoError(t, tree.Verify(h))
	want := append(keys, seq(401, 407)...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, collect(t, tree, h))
}

func TestSplitRecovery_FatalWhenRestoreFails(t *testing.T) {
	tree, h, f := newTestTree(t, 3)
	h = insertAll(t, tree, h, []uint64{1, 2, 3})

	f.arm(1)
	f.failTruncate = true
	_, err := tree.Insert(h, leafCell(4))

	assert.Equal(t, apperr.CodeFatal, apperr.CodeOf(err))
}

// =============================================================================
// Delete / Update Tests
// =============================================================================

func TestDelete_NoRebalance(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)
	h = insertAll(t, tree, h, seq(1, 40))
	nodes := h.NodeCount

	// Empty the leftmost leaf entirely.
	first, err := tree.pager.readPage(h.LeftmostLeaf)
	require.NoError(t, err)
	for _, k := range first.Keys() {
		c, err := tree.Delete(h, k)
		require.NoError(t, err)
		assert.Equal(t, k, c.Key)
	}

	emptied, err := tree.pager.readPage(h.LeftmostLeaf)
	require.NoError(t, err)
	assert.Equal(t, 0, emptied.NumCells)
	assert.Equal(t, make([]Cell, MaxCell), emptied.Cells[:])

	stats, err := tree.Stats(h)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.EmptyLeaves, 1)

	reread, err := tree.Header()
	require.NoError(t, err)
	assert.Equal(t, nodes, reread.NodeCount)

	// Iteration skips the empty leaf.
	keys := collect(t, tree, h)
	assert.Equal(t, seq(uint64(len(first.Keys())+1), 40), keys)
	require.NoError(t, tree.Verify(h))

	// The emptied range still accepts inserts.
	h, err = tree.Insert(h, leafCell(1))
	require.NoError(t, err)
	c, err := tree.Get(h, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Key)
}

func TestDelete_NotFound(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)

	_, err := tree.Delete(h, 1)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	h = insertAll(t, tree, h, seq(1, 5))
	_, err = tree.Delete(h, 6)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdate(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)
	h = insertAll(t, tree, h, seq(1, 20))

	require.NoError(t, tree.Update(h, Cell{Key: 13, Offset: 999, Size: 3}))
	c, err := tree.Get(h, 13)
	require.NoError(t, err)
	assert.Equal(t, Cell{Key: 13, Offset: 999, Size: 3}, c)

	err = tree.Update(h, Cell{Key: 100})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdate_WriteFailureIsClassified(t *testing.T) {
	tree, h, f := newTestTree(t, 4)
	h = insertAll(t, tree, h, seq(1, 3))

	f.arm(1)
	err := tree.Update(h, Cell{Key: 2, Offset: 1, Size: 1})
	f.arm(0)

	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, apperr.CodeIO, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), component+" "+apperr.MsgWriteFailed)
}

// =============================================================================
// Iteration Tests
// =============================================================================

func TestIterate_EmptyTree(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)

	_, err := tree.First(h)
	assert.True(t, errors.Is(err, apperr.ErrEndOfTree))
}

func TestIterate_Completeness(t *testing.T) {
	keys := shuffled(3, 2000)
	tree, h, _ := newTestTree(t, 6)
	h = insertAll(t, tree, h, keys)

	cur, err := tree.First(h)
	n := 0
	var prev uint64
	for err == nil {
		if n > 0 {
			require.Greater(t, cur.Cell.Key, prev)
		}
		prev = cur.Cell.Key
		n++
		cur, err = tree.Next(cur)
	}
	require.True(t, errors.Is(err, apperr.ErrEndOfTree))
	assert.Equal(t, len(keys), n)
}

func TestIterate_ResumesAcrossSplit(t *testing.T) {
	tree, h, _ := newTestTree(t, 4)
	h = insertAll(t, tree, h, []uint64{10, 20, 30, 40})

	cur, err := tree.First(h)
	require.NoError(t, err)
	cur, err = tree.Next(cur)
	require.NoError(t, err)
	require.Equal(t, uint64(20), cur.Cell.Key)

	// Split the leaf under the cursor.
	h = insertAll(t, tree, h, []uint64{25, 35})

	var rest []uint64
	for {
		cur, err = tree.Next(cur)
		if err != nil {
			break
		}
		rest = append(rest, cur.Cell.Key)
	}
	assert.True(t, errors.Is(err, apperr.ErrEndOfTree))
	assert.Equal(t, []uint64{25, 30, 35, 40}, rest)
}

func reverse(keys []uint64) []uint64 {
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys
}

func shuffled(seed int64, n int) []uint64 {
	rng := rand.New(rand.NewSource(seed))
	keys := make([]uint64, n)
	for i, p := range rng.Perm(n) {
		keys[i] = uint64(p)*7 + 1
	}
	return keys
}
