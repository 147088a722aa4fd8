package encrypted

import (
	"encoding/binary"
	"time"
)

/*************
 * fragments *
 *************/

// Messages larger than the session MTU are split before encryption, so each
// fragment is sealed and replay-checked independently. The first plaintext
// byte says whether the rest is a whole message or one piece of a larger one.

const (
	fragWhole = 0
	fragPiece = 1
)

// flag byte, fragment id, index, total
const fragHeaderSize = 1 + 4 + 1 + 1

const fragTimeout = 10 * time.Second

const fragMaxPieces = 255

func fragSplit(fragID uint32, msg []byte, maxChunk int) [][]byte {
	if len(msg) <= maxChunk {
		whole := make([]byte, 0, 1+len(msg))
		whole = append(whole, fragWhole)
		whole = append(whole, msg...)
		return [][]byte{whole}
	}
	chunk := maxChunk - (fragHeaderSize - 1) // flag byte is counted in maxChunk
	total := (len(msg) + chunk - 1) / chunk
	if total > fragMaxPieces {
		return nil // can't represent, caller drops
	}
	pieces := make([][]byte, 0, total)
	for idx := 0; idx < total; idx++ {
		start := idx * chunk
		end := start + chunk
		if end > len(msg) {
			end = len(msg)
		}
		piece := make([]byte, 0, fragHeaderSize+end-start)
		piece = append(piece, fragPiece)
		piece = binary.BigEndian.AppendUint32(piece, fragID)
		piece = append(piece, uint8(idx), uint8(total))
		piece = append(piece, msg[start:end]...)
		pieces = append(pieces, piece)
	}
	return pieces
}

type fragAssembly struct {
	parts   [][]byte
	have    int
	created time.Time
}

type fragReassembler struct {
	pending map[uint32]*fragAssembly
}

func (r *fragReassembler) init() {
	r.pending = make(map[uint32]*fragAssembly)
}

// handle consumes one decrypted plaintext. It returns the complete message
// once all pieces arrived, or nil. Incomplete assemblies are swept out after
// a timeout, so a lost piece can't pin memory forever.
func (r *fragReassembler) handle(now time.Time, data []byte) []byte {
	r.sweep(now)
	if len(data) < 1 {
		return nil
	}
	switch data[0] {
	case fragWhole:
		return data[1:]
	case fragPiece:
	default:
		return nil
	}
	if len(data) < fragHeaderSize {
		return nil
	}
	fragID := binary.BigEndian.Uint32(data[1:5])
	index, total := int(data[5]), int(data[6])
	if total == 0 || index >= total {
		return nil
	}
	asm := r.pending[fragID]
	if asm == nil {
		asm = &fragAssembly{parts: make([][]byte, total), created: now}
		r.pending[fragID] = asm
	}
	if len(asm.parts) != total || asm.parts[index] != nil {
		return nil
	}
	asm.parts[index] = append([]byte(nil), data[fragHeaderSize:]...)
	asm.have++
	if asm.have < total {
		return nil
	}
	delete(r.pending, fragID)
	var size int
	for _, part := range asm.parts {
		size += len(part)
	}
	msg := make([]byte, 0, size)
	for _, part := range asm.parts {
		msg = append(msg, part...)
	}
	return msg
}

func (r *fragReassembler) sweep(now time.Time) {
	for id, asm := range r.pending {
		if now.Sub(asm.created) > fragTimeout {
			delete(r.pending, id)
		}
	}
}
