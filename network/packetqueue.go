package network

import (
	"time"
)

/***************
 * packetQueue *
 ***************/

// packetQueue buffers traffic per (source, dest) stream while a link is busy.
// When the byte bound is hit, the fattest stream loses its oldest packet, so
// a single heavy flow can't starve the rest.

type pqStreamID struct {
	source publicKey
	dest   publicKey
}

type pqPacketInfo struct {
	packet *traffic
	size   uint64
	time   time.Time
}

type pqStream struct {
	id    pqStreamID
	infos []pqPacketInfo
	size  uint64
}

type packetQueue struct {
	streams []pqStream
	size    uint64
}

func trafficSize(tr *traffic) uint64 {
	size := uint64(publicKeySize*2 + nodeIDSize + 8)
	size += uint64(len(tr.path) + 1) // approximate uvarint path cost
	size += uint64(len(tr.payload))
	return size
}

// drop removes the oldest packet from the stream with the most bytes queued.
func (q *packetQueue) drop() bool {
	if q.size == 0 {
		return false
	}
	var longestIdx int
	for idx := range q.streams {
		if q.streams[idx].size > q.streams[longestIdx].size {
			longestIdx = idx
		}
	}
	stream := &q.streams[longestIdx]
	info := stream.infos[0]
	if len(stream.infos) > 1 {
		stream.infos = stream.infos[1:]
		stream.size -= info.size
	} else {
		q.streams = append(q.streams[:longestIdx], q.streams[longestIdx+1:]...)
	}
	q.size -= info.size
	return true
}

func (q *packetQueue) push(now time.Time, tr *traffic) {
	id := pqStreamID{source: tr.source, dest: tr.dest}
	info := pqPacketInfo{packet: tr, size: trafficSize(tr), time: now}
	for idx := range q.streams {
		if q.streams[idx].id == id {
			q.streams[idx].infos = append(q.streams[idx].infos, info)
			q.streams[idx].size += info.size
			q.size += info.size
			return
		}
	}
	stream := pqStream{id: id, size: info.size}
	stream.infos = append(stream.infos, info)
	q.streams = append(q.streams, stream)
	q.size += info.size
}

// pop round-robins across streams by taking from the front of the list and
// rotating the stream to the back if it has more.
func (q *packetQueue) pop() (pqPacketInfo, bool) {
	if len(q.streams) == 0 {
		return pqPacketInfo{}, false
	}
	stream := q.streams[0]
	info := stream.infos[0]
	if len(stream.infos) > 1 {
		stream.infos = stream.infos[1:]
		stream.size -= info.size
		q.streams = append(q.streams[1:], stream)
	} else {
		q.streams = q.streams[1:]
	}
	q.size -= info.size
	return info, true
}
