package proc

import (
	"fmt"
)

// InstBlockSize is the size of the window of target memory held by one
// InstBlock.
const InstBlockSize = 4096

// BlockState is the state of an InstBlock.
type BlockState uint8

const (
	// BlockInvalid blocks were never filled or failed to load.
	BlockInvalid BlockState = iota
	// BlockLoaded blocks hold instruction bytes but no boundary map.
	BlockLoaded
	// BlockMapped blocks have a boundary map that can be used for lookups.
	BlockMapped
)

func (s BlockState) String() string {
	switch s {
	case BlockInvalid:
		return "invalid"
	case BlockLoaded:
		return "loaded"
	case BlockMapped:
		return "mapped"
	}
	return "unknown"
}

// InstBlock holds a sequence of instructions.
// Inst holds the instruction bytes; for each byte of Inst that starts an
// instruction the byte at the same offset in Map is the length of that
// instruction. All other bytes of Map are zero.
type InstBlock struct {
	Address uint64
	State   BlockState
	Inst    [InstBlockSize]byte
	Map     [InstBlockSize]byte
}

// AlignBlock returns the base of the block containing addr.
func AlignBlock(addr uint64) uint64 {
	return (addr / InstBlockSize) * InstBlockSize
}

// Limit returns the first address after the block.
func (b *InstBlock) Limit() uint64 {
	return b.Address + InstBlockSize
}

// Contains returns true if addr is inside the block's window.
func (b *InstBlock) Contains(addr uint64) bool {
	return addr >= b.Address && addr-b.Address < InstBlockSize
}

// CleanReader reads target memory with breakpoint patches hidden.
type CleanReader interface {
	ReadClean(addr uint64, buf []byte) (read, unreadable int, err error)
}

// InstCache caches the instruction boundary maps of two adjacent blocks:
// the anchor block, holding the address last asked for, and a side block
// to its left or right.
type InstCache struct {
	arch   *Arch
	mem    CleanReader
	anchor uint64
	blocks [2]*InstBlock

	// scratch stitches an instruction that spans two blocks.
	scratch []byte
}

// NewInstCache returns an empty cache reading through mem.
func NewInstCache(arch *Arch, mem CleanReader) *InstCache {
	c := &InstCache{
		arch:    arch,
		mem:     mem,
		scratch: make([]byte, arch.MaxInstructionLength()),
	}
	for i := range c.blocks {
		c.blocks[i] = &InstBlock{}
	}
	return c
}

// SetAnchor sets the address that is known to start an instruction.
// Decoding from the left of the anchor never crosses it.
func (c *InstCache) SetAnchor(addr uint64) {
	c.anchor = addr
}

// blockIndexContaining returns the slot of the resident block containing
// addr or -1.
func (c *InstCache) blockIndexContaining(addr uint64) int {
	for i, b := range c.blocks {
		if b.State != BlockInvalid && b.Contains(addr) {
			return i
		}
	}
	return -1
}

// GetBlockContaining returns the resident block containing addr or nil.
func (c *InstCache) GetBlockContaining(addr uint64) *InstBlock {
	i := c.blockIndexContaining(addr)
	if i < 0 {
		return nil
	}
	return c.blocks[i]
}

// FindBlocks looks in the cache for an anchor block and a side block right
// next to it. If sideBase is 0 the block on the left is tried first, then
// the one on the right.
// Both returned indexes are valid: the slot where the block was found or
// the slot where it should be loaded. They are never equal.
func (c *InstCache) FindBlocks(anchorBase, sideBase uint64) (anchorFound, sideFound bool, anchorIndex, sideIndex int) {
	anchorIndex = c.blockIndexContaining(anchorBase)

	if sideBase != 0 {
		sideIndex = c.blockIndexContaining(sideBase)
	} else {
		sideIndex = -1
		if left := anchorBase - InstBlockSize; left < anchorBase {
			sideIndex = c.blockIndexContaining(left)
		}
		if sideIndex < 0 {
			if right := anchorBase + InstBlockSize; right > anchorBase {
				sideIndex = c.blockIndexContaining(right)
			}
		}
	}

	anchorFound = anchorIndex >= 0
	sideFound = sideIndex >= 0

	switch {
	case !anchorFound && !sideFound:
		anchorIndex, sideIndex = 0, 1
	case !anchorFound:
		anchorIndex = (sideIndex + 1) % 2
	case !sideFound:
		sideIndex = (anchorIndex + 1) % 2
	}
	return
}

// LoadBlocks makes sure the blocks needed to decode instAway instructions
// from addr are resident and mapped. A negative instAway asks for
// instructions before addr. It returns how many instructions away from
// addr can be served, estimated with the maximum instruction length.
func (c *InstCache) LoadBlocks(addr uint64, instAway int) (int, error) {
	maxLen := int64(c.arch.MaxInstructionLength())
	anchorBase := AlignBlock(addr)
	leftBase := anchorBase - InstBlockSize
	rightBase := anchorBase + InstBlockSize
	rightLimit := rightBase + InstBlockSize
	var sideBase uint64

	if leftBase < anchorBase && int64(instAway) < -int64(addr-anchorBase)/maxLen {
		sideBase = leftBase
	} else if rightLimit > anchorBase && int64(instAway) > int64(rightBase-addr)/maxLen {
		sideBase = rightBase
	}

	anchorFound, sideFound, anchorIndex, sideIndex := c.FindBlocks(anchorBase, sideBase)

	var err error
	if !anchorFound {
		err = c.readInstData(anchorBase, anchorIndex)
	}
	if sideBase != 0 && !sideFound {
		// a missing neighbour only limits how far we can decode
		c.readInstData(sideBase, sideIndex)
	}

	baseOnLeft := anchorBase
	limitOnRight := rightBase
	if sideFound || sideBase != 0 {
		if sideBase < anchorBase {
			baseOnLeft = leftBase
		} else {
			limitOnRight = rightLimit
		}
	}

	var avail int
	if instAway < 0 {
		avail = int(-int64(addr-baseOnLeft) / maxLen)
		if avail < instAway {
			avail = instAway
		}
	} else {
		avail = int(int64(limitOnRight-addr) / maxLen)
		if avail > instAway {
			avail = instAway
		}
	}

	if !anchorFound || (sideBase != 0 && !sideFound) {
		c.mapInstData(addr)
	}
	return avail, err
}

// readInstData fills slot i with the block at base. The block is marked
// loaded only if the whole block could be read.
func (c *InstCache) readInstData(base uint64, i int) error {
	b := c.blocks[i]
	b.Address = base
	b.State = BlockInvalid

	n, _, err := c.mem.ReadClean(base, b.Inst[:])
	if err != nil {
		return err
	}
	if n != InstBlockSize {
		return fmt.Errorf("could not read instruction block at %#x: %d of %d bytes readable", base, n, InstBlockSize)
	}
	b.State = BlockLoaded
	return nil
}

// mapInstData builds the instruction map for the blocks around
// anchorAddr.
func (c *InstCache) mapInstData(anchorAddr uint64) {
	anchorBlock := c.GetBlockContaining(anchorAddr)
	if anchorBlock == nil {
		return
	}
	var leftBlock, rightBlock *InstBlock
	if anchorBlock.Address >= InstBlockSize {
		leftBlock = c.GetBlockContaining(anchorBlock.Address - InstBlockSize)
	}
	if anchorBlock.Limit() > anchorBlock.Address {
		rightBlock = c.GetBlockContaining(anchorBlock.Limit())
	}

	var sideBlock *InstBlock
	var pair []*InstBlock
	switch {
	case leftBlock != nil:
		sideBlock = leftBlock
		pair = []*InstBlock{leftBlock, anchorBlock}
	case rightBlock != nil:
		sideBlock = rightBlock
		pair = []*InstBlock{anchorBlock, rightBlock}
	}

	switch {
	case sideBlock != nil && sideBlock.State == BlockLoaded && anchorBlock.State == BlockMapped:
		// partial map up to or from the anchor
		if leftBlock != nil {
			c.mapRange(pair, leftBlock.Address, anchorAddr)
		} else {
			c.mapRange(pair, anchorAddr, rightBlock.Limit())
		}
	case anchorBlock.State == BlockLoaded && sideBlock != nil && sideBlock.State != BlockInvalid:
		// two whole maps in two runs
		if leftBlock != nil {
			c.mapRange(pair, leftBlock.Address, anchorAddr)
			c.mapRange([]*InstBlock{anchorBlock}, anchorAddr, anchorBlock.Limit())
		} else {
			c.mapRange([]*InstBlock{anchorBlock}, anchorBlock.Address, anchorAddr)
			c.mapRange(pair, anchorAddr, rightBlock.Limit())
		}
	case anchorBlock.State == BlockLoaded:
		c.mapRange([]*InstBlock{anchorBlock}, anchorBlock.Address, anchorBlock.Limit())
	case sideBlock != nil && sideBlock.State == BlockLoaded:
		c.mapRange([]*InstBlock{sideBlock}, sideBlock.Address, sideBlock.Limit())
	}
}

// mapRange decodes forward from startAddr to endAddr over one block or two
// adjacent blocks. Decoding stops at the first invalid or truncated
// instruction and at an instruction that would overlap the anchor; the
// rest of the range stays zero.
func (c *InstCache) mapRange(blocks []*InstBlock, startAddr, endAddr uint64) {
	for a := startAddr; a < endAddr; a++ {
		c.setMap(blocks, a, 0)
	}
	for _, b := range blocks {
		b.State = BlockMapped
	}

	for cur := startAddr; cur < endAddr; {
		buf := c.instBuffer(blocks, cur, endAddr)
		if len(buf) == 0 {
			break
		}
		n, _, err := c.arch.decodeInstruction(buf)
		if err != nil || n == 0 {
			break
		}
		if cur < c.anchor && cur+uint64(n) > c.anchor {
			break
		}
		c.setMap(blocks, cur, byte(n))
		cur += uint64(n)
	}
}

func (c *InstCache) setMap(blocks []*InstBlock, addr uint64, v byte) {
	for _, b := range blocks {
		if b.Contains(addr) {
			b.Map[addr-b.Address] = v
			return
		}
	}
}

// instBuffer returns up to one maximum length instruction of bytes at cur,
// never past end. Bytes spanning the two blocks are copied to scratch.
func (c *InstCache) instBuffer(blocks []*InstBlock, cur, end uint64) []byte {
	if cur >= end {
		return nil
	}
	maxLen := uint64(c.arch.MaxInstructionLength())
	if end-cur < maxLen {
		maxLen = end - cur
	}
	first := blocks[0]
	switch {
	case cur+maxLen <= first.Limit():
		pos := cur - first.Address
		return first.Inst[pos : pos+maxLen]
	case cur >= first.Limit():
		second := blocks[1]
		pos := cur - second.Address
		return second.Inst[pos : pos+maxLen]
	default:
		left := first.Limit() - cur
		copy(c.scratch, first.Inst[cur-first.Address:])
		copy(c.scratch[left:maxLen], blocks[1].Inst[:maxLen-left])
		return c.scratch[:maxLen]
	}
}

// Instruction returns the boundary information of the instruction
// starting at addr. The address is used as the anchor: when the current
// map has no boundary there, the blocks are mapped again from addr.
func (c *InstCache) Instruction(addr uint64) (Instruction, error) {
	c.SetAnchor(addr)
	if _, err := c.LoadBlocks(addr, 1); err == nil {
		b := c.GetBlockContaining(addr)
		if b != nil && (b.State == BlockLoaded || b.Map[addr-b.Address] == 0) {
			c.remap(addr)
		}
		if b != nil && b.State == BlockMapped {
			if n := int(b.Map[addr-b.Address]); n != 0 {
				return c.classify(addr, n)
			}
		}
	}
	return c.decodeDirect(addr)
}

func (c *InstCache) remap(addr uint64) {
	for _, b := range c.blocks {
		if b.State == BlockMapped {
			b.State = BlockLoaded
		}
	}
	c.mapInstData(addr)
}

// classify decodes the n byte instruction at addr from the resident
// blocks. An instruction that runs into a block that is not resident is
// decoded from memory instead.
func (c *InstCache) classify(addr uint64, n int) (Instruction, error) {
	end := addr + uint64(n)
	first := c.GetBlockContaining(addr)
	if first == nil {
		return c.decodeDirect(addr)
	}
	blocks := []*InstBlock{first}
	if end > first.Limit() {
		second := c.GetBlockContaining(first.Limit())
		if second == nil {
			return c.decodeDirect(addr)
		}
		blocks = append(blocks, second)
	}
	buf := c.instBuffer(blocks, addr, end)
	_, kind, err := c.arch.decodeInstruction(buf)
	if err != nil {
		return c.decodeDirect(addr)
	}
	return Instruction{Addr: addr, Len: n, Kind: kind}, nil
}

// decodeDirect reads one maximum length instruction at addr without going
// through the blocks. Used when the block around addr can not be loaded.
func (c *InstCache) decodeDirect(addr uint64) (Instruction, error) {
	buf := make([]byte, c.arch.MaxInstructionLength())
	n, _, err := c.mem.ReadClean(addr, buf)
	if err != nil {
		return Instruction{}, err
	}
	if n == 0 {
		return Instruction{}, InvalidAddressError{Address: addr}
	}
	l, kind, err := c.arch.decodeInstruction(buf[:n])
	if err != nil {
		return Instruction{Addr: addr, Len: 1, Kind: InvalidInstruction}, nil
	}
	return Instruction{Addr: addr, Len: l, Kind: kind}, nil
}

// Invalidate drops every block that overlaps [addr, addr+size).
func (c *InstCache) Invalidate(addr uint64, size int) {
	end := addr + uint64(size)
	for _, b := range c.blocks {
		if b.State != BlockInvalid && b.Address < end && b.Limit() > addr {
			b.State = BlockInvalid
		}
	}
}

// Flush drops both blocks.
func (c *InstCache) Flush() {
	for _, b := range c.blocks {
		b.State = BlockInvalid
	}
}
