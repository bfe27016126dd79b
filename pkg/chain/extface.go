package chain

// ExtFace is the external execution collaborator. CreateBlock is a pure
// hand-off: it returns nothing and may block while the executor applies
// the block.
type ExtFace interface {
	CreateBlock(txs [][]byte, timeStamp uint64, timeStampMs uint32,
		blockID uint64, gasPrice uint64, stateRoot uint64)
}
