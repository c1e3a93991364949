package app

import (
	"context"
	"io"
	"os"

	"github.com/Hubmakerlabs/federatr/pkg/kind"
	"github.com/Hubmakerlabs/federatr/pkg/verifier"
	"github.com/nbd-wtf/go-nostr"
)

// importable accepts events with a valid id and signature that are worth
// storing.
func importable(ev *nostr.Event) bool {
	return !kind.IsEphemeral(ev.Kind) && verifier.Check(ev)
}

// Import stores line structured JSON events read from each file, or from
// stdin when no files are given. Events bypass the pipeline's authorization
// but are still verified.
func (n *Node) Import(c context.Context, files []string) (stored int, err error) {
	log.D.Ln("running import subcommand on these files:", files)
	if len(files) == 0 {
		return n.importFrom(c, os.Stdin, "stdin")
	}
	for i := range files {
		var fh *os.File
		if fh, err = os.Open(files[i]); chk.E(err) {
			return
		}
		var s int
		s, err = n.importFrom(c, fh, files[i])
		chk.D(fh.Close())
		stored += s
		if err != nil {
			return
		}
	}
	return
}

func (n *Node) importFrom(c context.Context, r io.Reader,
	name string) (stored int, err error) {

	var skipped int
	if stored, skipped, err = n.DB.Import(c, r, importable); chk.E(err) {
		return
	}
	log.I.F("%s: imported %d events, skipped %d", name, stored, skipped)
	return
}
