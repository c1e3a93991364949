package badger

import (
	"bufio"
	"context"
	"io"

	"github.com/nbd-wtf/go-nostr"
)

// Export writes every stored event as one JSON object per line.
func (b *Backend) Export(c context.Context, w io.Writer) (n int, err error) {
	bw := bufio.NewWriter(w)
	err = b.each(func(_ []byte, ev *nostr.Event) (err error) {
		if err = c.Err(); err != nil {
			return
		}
		var line []byte
		if line, err = ev.MarshalJSON(); err != nil {
			return
		}
		if _, err = bw.Write(append(line, '\n')); err != nil {
			return
		}
		n++
		return
	})
	if err != nil {
		return
	}
	err = bw.Flush()
	return
}

// Import reads events one JSON object per line and stores those accept
// approves (all, if accept is nil). Lines that do not decode or are refused
// are skipped and counted.
func (b *Backend) Import(c context.Context, r io.Reader,
	accept func(ev *nostr.Event) bool) (stored, skipped int, err error) {

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		if err = c.Err(); err != nil {
			return
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := &nostr.Event{}
		if err = ev.UnmarshalJSON(line); chk.D(err) {
			skipped++
			err = nil
			continue
		}
		if accept != nil && !accept(ev) {
			skipped++
			continue
		}
		if err = b.Write(c, ev); chk.D(err) {
			skipped++
			err = nil
			continue
		}
		stored++
	}
	err = sc.Err()
	return
}
