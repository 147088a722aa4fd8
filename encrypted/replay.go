package encrypted

// replayWindowSize is how far behind the highest accepted nonce a reordered
// packet may arrive and still be accepted once.
const replayWindowSize = 128

// replayWindow accepts each nonce at most once. It tracks the highest nonce
// seen plus a bitmap of the window behind it; anything older than the window
// is rejected outright. Only called after the AEAD authenticated the packet.
type replayWindow struct {
	highest uint64
	bitmap  [2]uint64 // bit 0 of bitmap[0] is the highest nonce itself
}

// accept records the nonce and returns true, or returns false if the nonce
// was already seen or fell off the window.
func (w *replayWindow) accept(nonce uint64) bool {
	if nonce > w.highest {
		w.shift(nonce - w.highest)
		w.highest = nonce
		w.bitmap[0] |= 1
		return true
	}
	offset := w.highest - nonce
	if offset >= replayWindowSize {
		return false
	}
	word, bit := offset/64, offset%64
	if w.bitmap[word]&(1<<bit) != 0 {
		return false
	}
	w.bitmap[word] |= 1 << bit
	return true
}

func (w *replayWindow) shift(n uint64) {
	if n >= replayWindowSize {
		w.bitmap = [2]uint64{}
		return
	}
	if n >= 64 {
		w.bitmap[1], w.bitmap[0] = w.bitmap[0], 0
		n -= 64
	}
	if n > 0 {
		w.bitmap[1] = w.bitmap[1]<<n | w.bitmap[0]>>(64-n)
		w.bitmap[0] <<= n
	}
}

func (w *replayWindow) reset() {
	*w = replayWindow{}
}
