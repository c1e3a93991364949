package app

import (
	"context"
	"os"
)

// Export writes every stored event as line structured JSON to filename, or to
// stdout when it is empty.
func (n *Node) Export(c context.Context, filename string) (count int, err error) {
	log.D.Ln("running export subcommand")
	fh := os.Stdout
	if filename != "" {
		if fh, err = os.OpenFile(filename,
			os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644); chk.E(err) {
			return
		}
		defer func() { chk.E(fh.Close()) }()
	}
	if count, err = n.DB.Export(c, fh); chk.E(err) {
		return
	}
	log.I.F("exported %d events", count)
	return
}
