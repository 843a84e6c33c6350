package plm

import (
	"errors"
	"io"
	"sync"
)

// Snoop decodes the frames flowing in both directions between a host
// and a modem. rx carries modem output and tx carries host output. fn
// is called for each frame, never concurrently. Snoop returns when
// both streams have ended.
func Snoop(rx, tx io.Reader, fn func(Direction, *Packet)) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(reader *packetReader, dir Direction) {
		defer wg.Done()
		for {
			pkt, err := reader.ReadPacket()
			if err != nil {
				if IsDecodeError(err) {
					Log.Infof("%v %v", dir, err)
					continue
				}

				if !errors.Is(err, io.EOF) {
					Log.Infof("%v read error: %v", dir, err)
				}
				return
			}

			mu.Lock()
			fn(dir, pkt)
			mu.Unlock()
		}
	}

	wg.Add(2)
	go read(newPacketReader(tx, false), DirectionTx)
	go read(newPacketReader(rx, true), DirectionRx)
	wg.Wait()
}
